package protocol

import "encoding/json"

// Envelope is the request envelope carried in the anki-sync header (modern
// clients) or as multipart form fields (legacy clients).
type Envelope struct {
	Version    int    `json:"v"`
	HostKey    string `json:"k,omitempty"`
	Client     string `json:"c,omitempty"`
	SessionKey string `json:"s,omitempty"`
}

// HostKeyRequest carries the credentials for /sync/hostKey. Clients have
// used several key spellings over the years; UnmarshalJSON accepts them all.
type HostKeyRequest struct {
	Username string `json:"u"`
	Password string `json:"p"`
}

func (r *HostKeyRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		U        string `json:"u"`
		Username string `json:"username"`
		Email    string `json:"email"`
		P        string `json:"p"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Username = raw.U
	if r.Username == "" {
		r.Username = raw.Username
	}
	if r.Username == "" {
		r.Username = raw.Email
	}
	r.Password = raw.P
	if r.Password == "" {
		r.Password = raw.Password
	}
	return nil
}

// HostKeyResponse returns the host key the client presents on later calls.
type HostKeyResponse struct {
	Key string `json:"key"`
}

// Meta is the /sync/meta reply. Field names are fixed by the protocol.
type Meta struct {
	Mod      int64  `json:"mod"`  // collection modification time, ms
	Scm      int64  `json:"scm"`  // schema modification time, ms
	Usn      int    `json:"usn"`  // server update sequence number
	Ts       int64  `json:"ts"`   // server timestamp, s
	MediaUsn int    `json:"musn"` // media update sequence number
	Msg      string `json:"msg"`  // message shown to the user on refusal
	Cont     bool   `json:"cont"` // whether the client may continue
	HostNum  int    `json:"hostNum"`
	Empty    bool   `json:"empty"` // collection has no cards
	Username string `json:"uname"`
}

// Graves lists deleted object IDs by type.
type Graves struct {
	Cards []int64 `json:"cards"`
	Notes []int64 `json:"notes"`
	Decks []int64 `json:"decks"`
}

// StartRequest opens an incremental sync session.
type StartRequest struct {
	MinUsn     int     `json:"minUsn"`
	LocalNewer bool    `json:"lnewer"`
	Graves     *Graves `json:"graves,omitempty"`
	Offline    bool    `json:"offline,omitempty"`
}

// ApplyGravesRequest carries a batch of client-side deletions.
type ApplyGravesRequest struct {
	Chunk Graves `json:"chunk"`
}

// Chunk is one batch of row data. Rows are positional arrays whose layout
// depends on the collection's schema generation.
type Chunk struct {
	Done   bool    `json:"done"`
	Revlog [][]any `json:"revlog,omitempty"`
	Cards  [][]any `json:"cards,omitempty"`
	Notes  [][]any `json:"notes,omitempty"`
}

// ApplyChunkRequest carries a client chunk.
type ApplyChunkRequest struct {
	Chunk Chunk `json:"chunk"`
}

// Changes carries the non-chunked objects exchanged by applyChanges. Models,
// decks and deck configs travel as raw JSON since the server treats them as
// opaque apart from mod/usn stamping.
type Changes struct {
	Models []json.RawMessage `json:"models"`
	Decks  []json.RawMessage `json:"decks"` // [decks, deck configs]
	Tags   []string          `json:"tags"`
	Conf   json.RawMessage   `json:"conf,omitempty"`
	Crt    int64             `json:"crt,omitempty"`
}

// ApplyChangesRequest wraps the client's changes.
type ApplyChangesRequest struct {
	Changes Changes `json:"changes"`
	MinUsn  int     `json:"minUsn,omitempty"`
}

// SanityCheckCounts is the positional count list compared by sanityCheck2:
// [counts, cards, notes, revlog, graves, models, decks, dconf]. The leading
// element is the scheduler's [new, learning, review] triple, which the
// server zeroes before comparing.
type SanityCheckCounts []any

// SanityCheckRequest carries the client's counts.
type SanityCheckRequest struct {
	Client SanityCheckCounts `json:"client"`
	Full   bool              `json:"full,omitempty"`
}

// SanityCheckResponse reports agreement or both sides' counts.
type SanityCheckResponse struct {
	Status string            `json:"status"` // "ok" or "bad"
	Client SanityCheckCounts `json:"c,omitempty"`
	Server SanityCheckCounts `json:"s,omitempty"`
}

// MediaEnvelope wraps media endpoint replies: {"data": ..., "err": ""}.
type MediaEnvelope struct {
	Data any    `json:"data"`
	Err  string `json:"err"`
}

// MediaBegin is the /msync/begin payload inside the media envelope.
type MediaBegin struct {
	SessionKey string `json:"sk"`
	Usn        int    `json:"usn"`
}

// MediaChangesRequest asks for log entries after LastUsn.
type MediaChangesRequest struct {
	LastUsn int `json:"lastUsn"`
}

// MediaChange is one entry in the mediaChanges reply: filename, usn, and
// checksum (empty for deletions).
type MediaChange struct {
	Fname string
	Usn   int
	Csum  string
}

// MarshalJSON emits the positional [fname, usn, csum] form the wire uses.
func (m MediaChange) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{m.Fname, m.Usn, m.Csum})
}

// UnmarshalJSON accepts the positional form.
func (m *MediaChange) UnmarshalJSON(data []byte) error {
	arr := []any{}
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) > 0 {
		m.Fname, _ = arr[0].(string)
	}
	if len(arr) > 1 {
		if f, ok := arr[1].(float64); ok {
			m.Usn = int(f)
		}
	}
	if len(arr) > 2 {
		m.Csum, _ = arr[2].(string)
	}
	return nil
}

// MediaSanityRequest carries the client's local nonempty file count.
type MediaSanityRequest struct {
	Local int `json:"local"`
}

// DownloadFilesRequest lists the filenames the client wants zipped.
type DownloadFilesRequest struct {
	Files []string `json:"files"`
}
