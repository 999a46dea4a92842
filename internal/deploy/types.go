package deploy

// Status is the platform-reported state of one published build.
type Status string

const (
	StatusQueued   Status = "Queued"
	StatusBuilding Status = "Building"
	StatusReady    Status = "Ready"
	StatusError    Status = "Error"
	StatusUnknown  Status = "Unknown"
)

// Terminal reports whether the deployment has finished building, one way or
// the other.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusError
}

// DeploymentRecord is one observed build as reported by the deployment
// lister. Records are immutable once parsed.
type DeploymentRecord struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Status      Status `json:"status"`
	Age         string `json:"age"`
	Environment string `json:"environment"`
}

// RecentWindow keeps the most recent N deployment records for pattern
// analysis. The window is count-bounded, not wall-clock-bounded, so the
// analyzer stays a pure function of its inputs.
type RecentWindow struct {
	size    int
	records []DeploymentRecord
}

func NewRecentWindow(size int) *RecentWindow {
	if size <= 0 {
		size = 10
	}
	return &RecentWindow{size: size}
}

// Add inserts a record at the front, evicting the oldest once the window is
// full. Records with an ID already present are refreshed in place so a
// re-polled deployment doesn't count twice.
func (w *RecentWindow) Add(rec DeploymentRecord) {
	for i, existing := range w.records {
		if existing.ID != "" && existing.ID == rec.ID {
			w.records[i] = rec
			return
		}
	}
	w.records = append([]DeploymentRecord{rec}, w.records...)
	if len(w.records) > w.size {
		w.records = w.records[:w.size]
	}
}

// Records returns a copy of the window, most recent first.
func (w *RecentWindow) Records() []DeploymentRecord {
	out := make([]DeploymentRecord, len(w.records))
	copy(out, w.records)
	return out
}
