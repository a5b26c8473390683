package stratumjson

const (
	// JobNtfnMethod is the method used for notifications from the pool
	// that a new job is available.
	JobNtfnMethod = "job"
)

// JobNtfn describes a unit of work.  It is sent by the pool as the params of
// a job notification and inside the login result.
type JobNtfn struct {
	Blob     string `json:"blob"`
	JobID    string `json:"job_id"`
	Target   string `json:"target"`
	ID       string `json:"id,omitempty"`
	Algo     string `json:"algo,omitempty"`
	Height   uint64 `json:"height,omitempty"`
	SeedHash string `json:"seed_hash,omitempty"`
}
