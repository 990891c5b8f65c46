package render

import (
	"time"

	"github.com/accordsai/caselane/pkg/domain"
)

const dateLayout = "2006-01-02"

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(dateLayout)
}

// NewRecord flattens a case and its client into template fields. sig may be
// nil, in which case documents carry the manual-signature placeholder.
func NewRecord(c domain.Case, cl domain.Client, sig *domain.Signature) DataRecord {
	rec := DataRecord{
		Fields: map[string]string{
			"case_number":         c.CaseNumber,
			"insurer_name":        c.InsurerName,
			"policy_number":       c.PolicyNumber,
			"policy_type":         c.PolicyType,
			"termination_date":    formatDate(c.TerminationDate),
			"advisor_name":        c.AdvisorName,
			"advisor_email":       c.AdvisorEmail,
			"advisor_phone":       c.AdvisorPhone,
			"client_first_name":   cl.FirstName,
			"client_last_name":    cl.LastName,
			"client_full_name":    cl.FullName(),
			"client_email":        cl.Email,
			"client_phone":        cl.Phone,
			"client_address_line": cl.AddressLine,
			"client_postal_code":  cl.PostalCode,
			"client_city":         cl.City,
			"client_country":      cl.Country,
			"client_birth_date":   formatDate(cl.BirthDate),
		},
		CoInsured:     c.CoInsured,
		PaymentMethod: c.PaymentMethod,
	}
	if sig != nil {
		rec.Signature = &SignatureImage{Data: sig.Image, MIMEType: sig.MIMEType}
	}
	return rec
}
