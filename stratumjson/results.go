package stratumjson

// LoginResult models the data returned from the login command.
type LoginResult struct {
	ID         string   `json:"id"`
	Job        *JobNtfn `json:"job"`
	Status     string   `json:"status"`
	Extensions []string `json:"extensions,omitempty"`
}

// StatusResult models the data returned from the submit and keepalived
// commands.
type StatusResult struct {
	Status string `json:"status"`
}

// StatusOK is the status reported on success.
const StatusOK = "OK"
