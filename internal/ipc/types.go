package ipc

import "time"

// StopRequest asks the signer process to exit.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches signer status.
type StatusRequest struct{}

// Activity mirrors host.Activity.
type Activity struct {
	Signed          int       `json:"signed"`
	Cancelled       int       `json:"cancelled"`
	SpentManual     uint64    `json:"spent_manual"`
	SpentAutoSign   uint64    `json:"spent_auto_sign"`
	AutoSignWallets []string  `json:"auto_sign_wallets"`
	LastEvent       string    `json:"last_event"`
	LastEventAt     time.Time `json:"last_event_at"`
}

// StatusResponse represents the signer's runtime state.
type StatusResponse struct {
	Running           bool      `json:"running"`
	PID               int       `json:"pid"`
	Network           string    `json:"network"`
	Address           string    `json:"address"`
	Transport         string    `json:"transport"`
	TicketRequired    bool      `json:"ticket_required"`
	WatchingOnly      bool      `json:"watching_only"`
	StartedAt         time.Time `json:"started_at"`
	Clients           []string  `json:"clients"`
	Peers             []string  `json:"peers"`
	AutoSignLimit     uint64    `json:"auto_sign_limit"`
	ManualLimit       uint64    `json:"manual_limit"`
	AutoSignRemaining uint64    `json:"auto_sign_remaining"`
	ManualRemaining   uint64    `json:"manual_remaining"`
	ActiveWallets     []string  `json:"active_wallets"`
	Outstanding       []string  `json:"outstanding"`
	QueueDepth        int       `json:"queue_depth"`
	Wallets           int       `json:"wallets"`
	Prompts           int       `json:"prompts"`
	Activity          Activity  `json:"activity"`
	LockPath          string    `json:"lock_path"`
}

// Prompt is a password request waiting for the operator.
type Prompt struct {
	WalletID string    `json:"wallet_id"`
	ClientID string    `json:"client_id"`
	Text     string    `json:"prompt"`
	AutoSign bool      `json:"auto_sign"`
	Since    time.Time `json:"since"`
}

// PromptsRequest lists pending password prompts.
type PromptsRequest struct{}

// PromptsResponse contains pending prompts, oldest first.
type PromptsResponse struct {
	Prompts []Prompt `json:"prompts"`
}

// PasswordRequest answers a prompt. Cancel declines it.
type PasswordRequest struct {
	WalletID string `json:"wallet_id"`
	Password string `json:"password"`
	Cancel   bool   `json:"cancel"`
}

// PasswordResponse reports whether a prompt was waiting.
type PasswordResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

// AutoSignRequest toggles unattended signing. An empty WalletID means the
// primary wallet when enabling and every wallet when disabling.
type AutoSignRequest struct {
	WalletID string `json:"wallet_id"`
	Enable   bool   `json:"enable"`
	Password string `json:"password"`
}

// AutoSignResponse reports the resulting state.
type AutoSignResponse struct {
	WalletID string `json:"wallet_id"`
	Active   bool   `json:"active"`
	Message  string `json:"message"`
}

// WalletSummary is the operator view of a root wallet.
type WalletSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Network      string `json:"network"`
	Encrypted    bool   `json:"encrypted"`
	WatchingOnly bool   `json:"watching_only"`
	Primary      bool   `json:"primary"`
}

// WalletsRequest lists root wallets.
type WalletsRequest struct{}

// WalletsResponse contains root wallets.
type WalletsResponse struct {
	Wallets []WalletSummary `json:"wallets"`
}

// CreateWalletRequest adds a root wallet. Seed is optional hex entropy; an
// empty Password stores the key unencrypted.
type CreateWalletRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Seed        string `json:"seed"`
	Password    string `json:"password"`
	Primary     bool   `json:"primary"`
}

// CreateWalletResponse describes the new wallet.
type CreateWalletResponse struct {
	Wallet WalletSummary `json:"wallet"`
}
