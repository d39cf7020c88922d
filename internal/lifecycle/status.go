package lifecycle

// Stage status values. Within one cycle a stage only moves forward:
// unknown -> pending -> ok or error. The next cycle resets all stages
// back to unknown.
const (
	StatusUnknown = "unknown"
	StatusPending = "pending"
	StatusOK      = "ok"
	StatusError   = "error"
)

// StageError describes why a stage failed.
type StageError struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Stage is the observable state of one step of the ACME conversation.
type Stage struct {
	Status string      `json:"status"`
	Error  *StageError `json:"error,omitempty"`
}

// CertificateStage extends Stage with the parsed expiry of the on-disk
// certificate and the time the renewal timer is armed for, both as
// epoch seconds and only present once known.
type CertificateStage struct {
	Stage
	Expiry  *int64 `json:"expiry,omitempty"`
	Renewal *int64 `json:"renewal,omitempty"`
}

// Status is the machine-readable status document served by the control
// surface, updated at every state transition.
type Status struct {
	Directory   Stage            `json:"directory"`
	Account     Stage            `json:"account"`
	Certificate CertificateStage `json:"certificate"`
}

func newStatus() Status {
	return Status{
		Directory:   Stage{Status: StatusUnknown},
		Account:     Stage{Status: StatusUnknown},
		Certificate: CertificateStage{Stage: Stage{Status: StatusUnknown}},
	}
}

// AnyPending reports whether any stage is mid-transition; the control
// surface refuses manual restarts while one is.
func (s *Status) AnyPending() bool {
	return s.Directory.Status == StatusPending ||
		s.Account.Status == StatusPending ||
		s.Certificate.Status == StatusPending
}

// clone returns an independent copy safe to marshal outside the lock.
func (s *Status) clone() Status {
	out := *s
	if s.Directory.Error != nil {
		out.Directory.Error = s.Directory.Error.clone()
	}
	if s.Account.Error != nil {
		out.Account.Error = s.Account.Error.clone()
	}
	if s.Certificate.Error != nil {
		out.Certificate.Error = s.Certificate.Error.clone()
	}
	if s.Certificate.Expiry != nil {
		expiry := *s.Certificate.Expiry
		out.Certificate.Expiry = &expiry
	}
	if s.Certificate.Renewal != nil {
		renewal := *s.Certificate.Renewal
		out.Certificate.Renewal = &renewal
	}
	return out
}

func (e *StageError) clone() *StageError {
	out := &StageError{Type: e.Type}
	if e.Data != nil {
		out.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			out.Data[k] = v
		}
	}
	return out
}
