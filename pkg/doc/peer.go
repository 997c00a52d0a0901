package doc

import (
	"fmt"
	"slices"

	"github.com/automerge/automerge-go"
)

// Peer tracks the sync state of this document against one remote replica.
// A Peer belongs to exactly one connection and must be recreated when the
// connection is.
type Peer struct {
	d  *Document
	ss *automerge.SyncState
}

// NewPeer starts a fresh sync session.
func (d *Document) NewPeer() *Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &Peer{d: d, ss: automerge.NewSyncState(d.am)}
}

// Generate returns the next sync message to send, or false when there is
// nothing the remote is missing.
func (p *Peer) Generate() ([]byte, bool) {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	msg, valid := p.ss.GenerateMessage()
	if msg == nil || !valid {
		return nil, false
	}
	return msg.Bytes(), true
}

// Receive applies a sync message from the remote. It reports true when,
// after applying it, the local heads match the heads the remote announced,
// which means both replicas hold the same changes.
func (p *Peer) Receive(raw []byte) (bool, error) {
	d := p.d
	d.mu.Lock()
	msg, err := p.ss.ReceiveMessage(raw)
	if err != nil {
		d.mu.Unlock()
		return false, fmt.Errorf("failed to receive sync message: %w", err)
	}
	oc, mc, err := d.refreshLocked()
	local := headStrings(d.am.Heads())
	d.mu.Unlock()
	if err != nil {
		return false, err
	}
	d.notify(oc, mc)

	if msg == nil {
		return false, nil
	}
	return slices.Equal(local, headStrings(msg.Heads())), nil
}
