package protocol

// Env is the client environment block sent with every user command. The
// server uses it to resolve client-relative paths and to record who ran the
// command.
type Env struct {
	Prog    string // application name
	Version string
	Client  string
	Cwd     string
	Host    string
	OS      string
	User    string
	// Unicode is set when the session talks to a unicode-mode server.
	Unicode bool
	// Charset is the client charset name, sent only to non-unicode servers.
	Charset string
}

// Fields returns the env block in wire order. Empty values are omitted.
func (e *Env) Fields() []Field {
	if e == nil {
		return nil
	}
	pairs := [...][2]string{
		{"prog", e.Prog},
		{"version", e.Version},
		{"client", e.Client},
		{"cwd", e.Cwd},
		{"host", e.Host},
		{"os", e.OS},
		{"user", e.User},
	}
	fields := make([]Field, 0, len(pairs)+1)
	for _, p := range pairs {
		if p[1] != "" {
			fields = append(fields, Text(p[0], p[1]))
		}
	}
	if e.Unicode {
		fields = append(fields, Text("unicode", ""))
	} else if e.Charset != "" {
		fields = append(fields, Text("charset", e.Charset))
	}
	return fields
}
