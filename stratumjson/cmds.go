// Package stratumjson provides the types and marshalling of the JSON-RPC
// dialect spoken by CryptoNote style mining pools.
package stratumjson

// LoginCmd defines the login JSON-RPC command.
type LoginCmd struct {
	Login string `json:"login"`
	Pass  string `json:"pass"`
	Agent string `json:"agent"`
	RigID string `json:"rigid,omitempty"`
}

// NewLoginCmd returns a new instance which can be used to issue a login
// JSON-RPC command.
func NewLoginCmd(login, pass, agent, rigID string) *LoginCmd {
	return &LoginCmd{
		Login: login,
		Pass:  pass,
		Agent: agent,
		RigID: rigID,
	}
}

// SubmitCmd defines the submit JSON-RPC command.
type SubmitCmd struct {
	ID     string `json:"id"`
	JobID  string `json:"job_id"`
	Nonce  string `json:"nonce"`
	Result string `json:"result"`
}

// NewSubmitCmd returns a new instance which can be used to issue a submit
// JSON-RPC command.  The nonce and result are hex encoded.
func NewSubmitCmd(sessionID, jobID, nonce, result string) *SubmitCmd {
	return &SubmitCmd{
		ID:     sessionID,
		JobID:  jobID,
		Nonce:  nonce,
		Result: result,
	}
}

// KeepalivedCmd defines the keepalived JSON-RPC command.
type KeepalivedCmd struct {
	ID string `json:"id"`
}

// NewKeepalivedCmd returns a new instance which can be used to issue a
// keepalived JSON-RPC command.
func NewKeepalivedCmd(sessionID string) *KeepalivedCmd {
	return &KeepalivedCmd{ID: sessionID}
}

func init() {
	// No special flags for commands in this file.
	MustRegisterCmd("login", (*LoginCmd)(nil))
	MustRegisterCmd("submit", (*SubmitCmd)(nil))
	MustRegisterCmd("keepalived", (*KeepalivedCmd)(nil))
}
