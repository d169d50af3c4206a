package dispute

import "fmt"

// Category classifies the contested claim.
type Category uint8

const (
	CategoryCertificateValidity Category = iota
	CategoryOrganizationMisbehavior
	CategoryFalseIdentity
	CategoryTechnicalIssue
	CategoryGovernanceDispute
	CategoryTokenDispute
	CategoryOther
)

var categoryNames = [...]string{
	CategoryCertificateValidity:     "certificate_validity",
	CategoryOrganizationMisbehavior: "organization_misbehavior",
	CategoryFalseIdentity:           "false_identity",
	CategoryTechnicalIssue:          "technical_issue",
	CategoryGovernanceDispute:       "governance_dispute",
	CategoryTokenDispute:            "token_dispute",
	CategoryOther:                   "other",
}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

func (c Category) Valid() bool {
	return int(c) < len(categoryNames)
}

func ParseCategory(s string) (Category, error) {
	for i, name := range categoryNames {
		if name == s {
			return Category(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown category %q", ErrInvalidInput, s)
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	v, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// HighStakes categories draw two extra arbitrators.
func (c Category) HighStakes() bool {
	return c == CategoryGovernanceDispute || c == CategoryTokenDispute
}

// Punitive categories additionally slash the respondent's stake when the
// challenger prevails.
func (c Category) Punitive() bool {
	return c == CategoryOrganizationMisbehavior || c == CategoryFalseIdentity
}
