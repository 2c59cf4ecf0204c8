package app

import (
	"duet/peer/internal/export"
	"duet/peer/internal/session"
)

// directory serves the HTTP surface from the sessions this process hosts.
type directory struct {
	sessions map[string]*session.Session
	order    []string
}

func newDirectory(sessions ...*session.Session) *directory {
	d := &directory{sessions: make(map[string]*session.Session, len(sessions))}
	for _, sess := range sessions {
		if sess == nil {
			continue
		}
		id := sess.Config().SessionID
		if _, exists := d.sessions[id]; !exists {
			d.order = append(d.order, id)
		}
		d.sessions[id] = sess
	}
	return d
}

func (d *directory) Snapshots() []session.Snapshot {
	out := make([]session.Snapshot, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.sessions[id].Snapshot())
	}
	return out
}

func (d *directory) Export(sessionID string) (export.Artifact, bool) {
	sess, ok := d.sessions[sessionID]
	if !ok {
		return export.Artifact{}, false
	}
	return sess.Export(), true
}
