package broker

import "sync"

// Index is the in-memory subscriber index: per session, the topic to
// connection relation in subscription order, the userId to connection
// map for offline detection, and the set of authenticated connections.
// Mutations are serialized per session; readers get copied snapshots so
// fan-out never runs under the index lock.
type Index struct {
	mu       sync.RWMutex
	sessions map[string]*sessionSubs
}

type sessionSubs struct {
	mu     sync.Mutex
	topics map[string][]*Conn
	users  map[string]*Conn
	conns  map[*Conn]struct{}
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{sessions: make(map[string]*sessionSubs)}
}

func (ix *Index) get(session string) (*sessionSubs, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ss, ok := ix.sessions[session]
	return ss, ok
}

func (ix *Index) getOrCreate(session string) *sessionSubs {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ss, ok := ix.sessions[session]
	if !ok {
		ss = &sessionSubs{
			topics: make(map[string][]*Conn),
			users:  make(map[string]*Conn),
			conns:  make(map[*Conn]struct{}),
		}
		ix.sessions[session] = ss
	}
	return ss
}

// Attach records an authenticated connection under its session.
func (ix *Index) Attach(session string, c *Conn) {
	ss := ix.getOrCreate(session)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.conns[c] = struct{}{}
}

// Detach removes a connection and every index entry pointing at it.
func (ix *Index) Detach(session string, c *Conn) {
	ss, ok := ix.get(session)
	if !ok {
		return
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.conns, c)
	for topic, subs := range ss.topics {
		ss.topics[topic] = removeConn(subs, c)
		if len(ss.topics[topic]) == 0 {
			delete(ss.topics, topic)
		}
	}
	for user, uc := range ss.users {
		if uc == c {
			delete(ss.users, user)
		}
	}
}

// Subscribe appends the connection to the topic's subscriber list; a
// duplicate subscribe keeps the original position.
func (ix *Index) Subscribe(session, topic string, c *Conn) {
	ss := ix.getOrCreate(session)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for _, sub := range ss.topics[topic] {
		if sub == c {
			return
		}
	}
	ss.topics[topic] = append(ss.topics[topic], c)
}

// Unsubscribe removes the connection from the topic's subscriber list.
func (ix *Index) Unsubscribe(session, topic string, c *Conn) {
	ss, ok := ix.get(session)
	if !ok {
		return
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.topics[topic] = removeConn(ss.topics[topic], c)
	if len(ss.topics[topic]) == 0 {
		delete(ss.topics, topic)
	}
}

// SubscribersOf returns a snapshot of the topic's subscribers in
// subscription order.
func (ix *Index) SubscribersOf(session, topic string) []*Conn {
	ss, ok := ix.get(session)
	if !ok {
		return nil
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	subs := ss.topics[topic]
	out := make([]*Conn, len(subs))
	copy(out, subs)
	return out
}

// BindUser points the session's user entry at the connection. A later
// bind for the same user replaces an earlier one (newest connection
// wins).
func (ix *Index) BindUser(session, user string, c *Conn) {
	ss := ix.getOrCreate(session)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.users[user] = c
}

// UnbindUser clears the user entry if it still points at the connection.
func (ix *Index) UnbindUser(session, user string, c *Conn) {
	ss, ok := ix.get(session)
	if !ok {
		return
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.users[user] == c {
		delete(ss.users, user)
	}
}

// OnlineUsers returns the set of userIds currently bound to a live
// connection under the session.
func (ix *Index) OnlineUsers(session string) map[string]bool {
	ss, ok := ix.get(session)
	if !ok {
		return nil
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make(map[string]bool, len(ss.users))
	for user := range ss.users {
		out[user] = true
	}
	return out
}

// Connections returns a snapshot of every authenticated connection bound
// to the session.
func (ix *Index) Connections(session string) []*Conn {
	ss, ok := ix.get(session)
	if !ok {
		return nil
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make([]*Conn, 0, len(ss.conns))
	for c := range ss.conns {
		out = append(out, c)
	}
	return out
}

// DropSession discards the session's entire table.
func (ix *Index) DropSession(session string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.sessions, session)
}

func removeConn(subs []*Conn, c *Conn) []*Conn {
	for i, sub := range subs {
		if sub == c {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
