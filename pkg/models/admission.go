package models

// DenyKind classifies why admission was refused.
type DenyKind string

// Deny kinds returned by the quota service.
const (
	DenyOverMonthlyQuota DenyKind = "over_monthly_quota"
	DenyPaymentRequired  DenyKind = "payment_required"
	DenyKeyInvalid       DenyKind = "key_invalid"
	DenyCompanyDisabled  DenyKind = "company_disabled"
)

// Admission is the pre-flight quota decision for one session.
type Admission struct {
	Allowed bool `json:"allowed"`

	// Remaining is the quota left before this session (allow only).
	Remaining int `json:"remaining,omitempty"`

	// Kind and Message describe the refusal (deny only).
	Kind    DenyKind `json:"kind,omitempty"`
	Message string   `json:"message,omitempty"`
}

// ModelChoice is one registry entry: a concrete model behind a logical
// purpose, with its fallback priority (lower tries first).
type ModelChoice struct {
	Provider string `json:"provider" yaml:"provider"`
	ModelID  string `json:"model_id" yaml:"model_id"`
	Priority int    `json:"priority" yaml:"priority"`
}

// Purpose is the logical slot a model is resolved for.
type Purpose string

// Resolution purposes, one per stage.
const (
	PurposeStage1 Purpose = "stage1"
	PurposeStage2 Purpose = "stage2"
	PurposeStage3 Purpose = "stage3"
)
