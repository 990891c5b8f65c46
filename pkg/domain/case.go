package domain

import (
	"strings"
	"time"
)

type Status string

const (
	StatusDraft             Status = "draft"
	StatusEmailSent         Status = "email_sent"
	StatusDocumentsUploaded Status = "documents_uploaded"
	StatusSigned            Status = "signed"
	StatusCompleted         Status = "completed"
	StatusValidated         Status = "validated"
	StatusRejected          Status = "rejected"
)

var AllStatuses = []Status{
	StatusDraft,
	StatusEmailSent,
	StatusDocumentsUploaded,
	StatusSigned,
	StatusCompleted,
	StatusValidated,
	StatusRejected,
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

type PaymentMethod string

const (
	PaymentNone       PaymentMethod = ""
	PaymentCommission PaymentMethod = "commission"
	PaymentFees       PaymentMethod = "fees"
)

func (p PaymentMethod) Valid() bool {
	return p == PaymentNone || p == PaymentCommission || p == PaymentFees
}

// Person is a co-insured person listed on the policy.
type Person struct {
	Name         string `json:"name"`
	BirthDate    string `json:"birth_date"`
	PolicyNumber string `json:"policy_number"`
}

type Case struct {
	CaseID             string        `json:"case_id"`
	CaseNumber         string        `json:"case_number"`
	SecureToken        string        `json:"-"`
	Status             Status        `json:"status"`
	ClientID           string        `json:"client_id"`
	InsurerName        string        `json:"insurer_name"`
	PolicyNumber       string        `json:"policy_number"`
	PolicyType         string        `json:"policy_type"`
	TerminationDate    *time.Time    `json:"termination_date,omitempty"`
	PaymentMethod      PaymentMethod `json:"payment_method,omitempty"`
	AdvisorName        string        `json:"advisor_name,omitempty"`
	AdvisorEmail       string        `json:"advisor_email,omitempty"`
	AdvisorPhone       string        `json:"advisor_phone,omitempty"`
	CoInsured          []Person      `json:"co_insured"`
	AppliedSignatureID *string       `json:"applied_signature_id,omitempty"`
	ReminderCount      int           `json:"reminder_count"`
	RejectionReason    string        `json:"rejection_reason,omitempty"`
	ValidationNote     string        `json:"validation_note,omitempty"`
	ValidatedBy        string        `json:"validated_by,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	StatusChangedAt    time.Time     `json:"status_changed_at"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	ValidatedAt        *time.Time    `json:"validated_at,omitempty"`
	ExpiresAt          *time.Time    `json:"expires_at,omitempty"`
}

type Client struct {
	ClientID    string     `json:"client_id"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	Email       string     `json:"email"`
	Phone       string     `json:"phone,omitempty"`
	AddressLine string     `json:"address_line,omitempty"`
	PostalCode  string     `json:"postal_code,omitempty"`
	City        string     `json:"city,omitempty"`
	Country     string     `json:"country,omitempty"`
	BirthDate   *time.Time `json:"birth_date,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (c Client) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
}

type Signature struct {
	SignatureID   string     `json:"signature_id"`
	ClientID      string     `json:"client_id"`
	Image         []byte     `json:"-"`
	MIMEType      string     `json:"mime_type"`
	Label         string     `json:"label"`
	IsActive      bool       `json:"is_active"`
	IsDefault     bool       `json:"is_default"`
	CreatedAt     time.Time  `json:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

type Provenance string

const (
	ProvenanceUploaded  Provenance = "uploaded"
	ProvenanceGenerated Provenance = "generated"
)

type DocumentType string

const (
	DocIdentityFront     DocumentType = "identity_front"
	DocIdentityBack      DocumentType = "identity_back"
	DocInsuranceContract DocumentType = "insurance_contract"
	DocProofOfAddress    DocumentType = "proof_of_address"
	DocBankStatement     DocumentType = "bank_statement"
	DocGeneratedLegal    DocumentType = "generated_legal_doc"
	DocOther             DocumentType = "other"
)

var uploadableTypes = map[DocumentType]struct{}{
	DocIdentityFront:     {},
	DocIdentityBack:      {},
	DocInsuranceContract: {},
	DocProofOfAddress:    {},
	DocBankStatement:     {},
	DocOther:             {},
}

// Uploadable reports whether a client may upload documents of this type.
func (t DocumentType) Uploadable() bool {
	_, ok := uploadableTypes[t]
	return ok
}

type DocumentStatus string

const (
	DocStatusReceived   DocumentStatus = "received"
	DocStatusAccepted   DocumentStatus = "accepted"
	DocStatusRejected   DocumentStatus = "rejected"
	DocStatusSuperseded DocumentStatus = "superseded"
)

// StorageRef locates a stored file. Any combination of fields may be set;
// resolution order is decided by the document store.
type StorageRef struct {
	URL  string `json:"url,omitempty"`
	Key  string `json:"key,omitempty"`
	Path string `json:"path,omitempty"`
}

func (r StorageRef) Empty() bool {
	return strings.TrimSpace(r.URL) == "" && strings.TrimSpace(r.Key) == "" && strings.TrimSpace(r.Path) == ""
}

type Document struct {
	DocumentID string         `json:"document_id"`
	CaseID     string         `json:"case_id"`
	Provenance Provenance     `json:"provenance"`
	Type       DocumentType   `json:"document_type"`
	Filename   string         `json:"filename"`
	Storage    StorageRef     `json:"storage"`
	Status     DocumentStatus `json:"status"`
	SizeBytes  int64          `json:"size_bytes"`
	MIMEType   string         `json:"mime_type"`
	CreatedAt  time.Time      `json:"created_at"`
}

type CaseEvent struct {
	CaseID     string         `json:"case_id"`
	Type       string         `json:"type"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}
