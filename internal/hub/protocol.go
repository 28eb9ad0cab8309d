package hub

import "github.com/user/recipeterm/internal/shell"

// Server message types.
const (
	TypeTerminal = "terminal"
	TypeRecord   = "record"
	TypeRefresh  = "refresh"
	TypePreview  = "preview"
	TypeStatus   = "status"
	TypeError    = "error"
)

// Client message types.
const (
	TypeSubmit      = "submit"
	TypeAsk         = "ask"
	TypeAskRecipe   = "ask_recipe"
	TypeFetchRecipe = "fetch_recipe"
)

// TerminalMessage carries raw output of one stream ("shell", "install",
// "devserver").
type TerminalMessage struct {
	Type   string `json:"type"`
	Stream string `json:"stream"`
	Text   string `json:"text"`
	Ts     int64  `json:"ts"`
}

type RecordMessage struct {
	Type   string       `json:"type"`
	Record shell.Record `json:"record"`
	Text   string       `json:"text"`
}

type RefreshMessage struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

type PreviewMessage struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// StatusMessage is sent to every client on connect and whenever the shell
// state changes.
type StatusMessage struct {
	Type    string `json:"type"`
	State   string `json:"state"`
	Preview string `json:"preview,omitempty"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is anything a browser sends. Text is used by submit, Query
// by ask and ask_recipe, URL by fetch_recipe.
type ClientMessage struct {
	Type     string   `json:"type"`
	Text     string   `json:"text,omitempty"`
	Commands []string `json:"commands,omitempty"`
	Query    string   `json:"query,omitempty"`
	URL      string   `json:"url,omitempty"`
}
