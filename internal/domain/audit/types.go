package audit

// ComplianceType is the regulatory regime a record falls under.
type ComplianceType string

const (
	ComplianceFERPAEducationalRecord    ComplianceType = "ferpa_educational_record"
	ComplianceFERPADirectoryInformation ComplianceType = "ferpa_directory_information"
	ComplianceCOPPAChildData            ComplianceType = "coppa_child_data"
	ComplianceGDPRPersonalData          ComplianceType = "gdpr_personal_data"
	ComplianceCCPAPersonalInformation   ComplianceType = "ccpa_personal_information"
	ComplianceGeneralPrivacy            ComplianceType = "general_privacy"
)

// AllComplianceTypes lists every compliance type in declaration order.
var AllComplianceTypes = []ComplianceType{
	ComplianceFERPAEducationalRecord,
	ComplianceFERPADirectoryInformation,
	ComplianceCOPPAChildData,
	ComplianceGDPRPersonalData,
	ComplianceCCPAPersonalInformation,
	ComplianceGeneralPrivacy,
}

func (c ComplianceType) Valid() bool {
	for _, t := range AllComplianceTypes {
		if c == t {
			return true
		}
	}
	return false
}

// EntityType identifies the kind of data subject.
type EntityType string

const (
	EntityStudent       EntityType = "student"
	EntityTeacher       EntityType = "teacher"
	EntityParent        EntityType = "parent"
	EntityAdministrator EntityType = "administrator"
	EntitySystem        EntityType = "system"
)

func (e EntityType) Valid() bool {
	switch e {
	case EntityStudent, EntityTeacher, EntityParent, EntityAdministrator, EntitySystem:
		return true
	}
	return false
}

// ActionCategory is derived from the free-form action verb.
type ActionCategory string

const (
	CategoryDataAccess           ActionCategory = "data_access"
	CategoryDataCreation         ActionCategory = "data_creation"
	CategoryDataModification     ActionCategory = "data_modification"
	CategoryDataDeletion         ActionCategory = "data_deletion"
	CategoryDataExport           ActionCategory = "data_export"
	CategoryConsentManagement    ActionCategory = "consent_management"
	CategoryAccessControl        ActionCategory = "access_control"
	CategorySystemAdministration ActionCategory = "system_administration"
)

// Retention defaults in days.
const (
	RetentionRegulatedDays = 2555 // 7 years
	RetentionStandardDays  = 1095 // 3 years
)
