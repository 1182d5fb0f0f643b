package audit

import "strings"

// categoryRule maps action keywords to a category. Rules are evaluated in
// slice order and the first containing match wins.
type categoryRule struct {
	keywords []string
	category ActionCategory
}

var categoryRules = []categoryRule{
	{[]string{"access", "view"}, CategoryDataAccess},
	{[]string{"create", "add"}, CategoryDataCreation},
	{[]string{"update", "modify"}, CategoryDataModification},
	{[]string{"delete", "remove"}, CategoryDataDeletion},
	{[]string{"export", "download"}, CategoryDataExport},
	{[]string{"consent"}, CategoryConsentManagement},
	{[]string{"admin", "system"}, CategorySystemAdministration},
}

// Classifier derives action categories, compliance types and retention
// policies. It is pure: the same inputs always yield the same outputs.
type Classifier struct {
	// retention overrides by compliance type, sourced from external policy tables
	retention map[ComplianceType]int
}

// NewClassifier creates a classifier. Non-positive overrides are ignored so
// retention can never be zero.
func NewClassifier(retentionOverrides map[ComplianceType]int) *Classifier {
	c := &Classifier{retention: make(map[ComplianceType]int)}
	for t, days := range retentionOverrides {
		if days > 0 {
			c.retention[t] = days
		}
	}
	return c
}

// DefaultClassifier uses the built-in retention defaults.
var DefaultClassifier = NewClassifier(nil)

// ClassifyAction maps an action verb to exactly one category.
func ClassifyAction(action string) ActionCategory {
	lower := strings.ToLower(action)
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.category
			}
		}
	}
	return CategoryAccessControl
}

// ClassifyAction is the method form of the package-level ClassifyAction.
func (c *Classifier) ClassifyAction(action string) ActionCategory {
	return ClassifyAction(action)
}

// DerivePolicy computes the compliance policy for a subject. Relevance comes
// from the subject alone: FERPA for students, COPPA for minors. The hint only
// selects the retention override through the resolved compliance type.
func (c *Classifier) DerivePolicy(entityType EntityType, hint ComplianceType, isMinor bool) CompliancePolicy {
	ferpa := entityType == EntityStudent
	coppa := isMinor

	retention := RetentionStandardDays
	if ferpa || coppa {
		retention = RetentionRegulatedDays
	}
	if days, ok := c.retention[c.ResolveComplianceType(entityType, hint, coppa)]; ok {
		retention = days
	}

	return CompliancePolicy{
		FERPARelevant:      ferpa,
		COPPARelevant:      coppa,
		RetentionDays:      retention,
		Immutable:          true,
		EncryptionRequired: ferpa || coppa,
	}
}

// ResolveComplianceType picks the record's compliance type. A valid hint
// always wins; otherwise child data beats educational records.
func (c *Classifier) ResolveComplianceType(entityType EntityType, hint ComplianceType, coppaRelevant bool) ComplianceType {
	switch {
	case hint.Valid():
		return hint
	case coppaRelevant:
		return ComplianceCOPPAChildData
	case entityType == EntityStudent:
		return ComplianceFERPAEducationalRecord
	default:
		return ComplianceGeneralPrivacy
	}
}
