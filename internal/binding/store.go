package binding

import (
	"net/netip"
	"slices"
	"sync"

	"FlowWarden/internal/dnswire"
)

// RecordType orders how strongly a name is bound to an address.
type RecordType uint8

const (
	// ARecord binds the owner name of an A answer.
	ARecord RecordType = iota + 1
	// CNameRecord binds an alias of the A record's owner.
	CNameRecord
	// QuestionAnsweredRecord binds the name the client actually asked for.
	QuestionAnsweredRecord
)

func (t RecordType) String() string {
	switch t {
	case ARecord:
		return "a"
	case CNameRecord:
		return "cname"
	case QuestionAnsweredRecord:
		return "question"
	default:
		return "unknown"
	}
}

// maxAliasHops bounds the alias to canonical walk so that CNAME cycles
// injected by a hostile resolver terminate.
const maxAliasHops = 16

// Record is the current binding of one address.
type Record struct {
	Type    RecordType `json:"type"`
	Name    string     `json:"name"`
	Address netip.Addr `json:"address"`
}

// Store maps IPv4 addresses back to the hostnames that resolved to them.
// Entries are never evicted.
type Store struct {
	mu sync.RWMutex

	addresses map[string][]netip.Addr // name -> addresses, first seen order
	aliases   map[string][]string     // canonical -> aliases, first seen order
	canonical map[string]string       // alias -> canonical
	bindings  map[netip.Addr]Record
}

// NewStore creates an empty binding store.
func NewStore() *Store {
	return &Store{
		addresses: make(map[string][]netip.Addr),
		aliases:   make(map[string][]string),
		canonical: make(map[string]string),
		bindings:  make(map[netip.Addr]Record),
	}
}

// ApplyMessage ingests the A records, then the CNAME records, then the
// questions of msg under a single write lock. Readers observe either none or
// all of the message.
func (s *Store) ApplyMessage(msg *dnswire.Message) {
	if msg == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range msg.ARecords {
		s.applyA(a.Name, a.Address)
	}
	for _, c := range msg.CNames {
		s.applyCName(c.Name, c.Alias)
	}
	for _, q := range msg.Questions {
		s.applyQuestion(q)
	}
}

func (s *Store) applyA(name string, addr netip.Addr) {
	if !slices.Contains(s.addresses[name], addr) {
		s.addresses[name] = append(s.addresses[name], addr)
	}

	if cur, ok := s.bindings[addr]; ok && cur.Type != ARecord {
		return
	}
	rec := Record{Type: ARecord, Name: name, Address: addr}
	if aliases := s.aliases[name]; len(aliases) > 0 {
		rec = Record{Type: CNameRecord, Name: aliases[0], Address: addr}
	}
	s.bindings[addr] = rec
}

func (s *Store) applyCName(canonical, alias string) {
	s.canonical[alias] = canonical
	if !slices.Contains(s.aliases[canonical], alias) {
		s.aliases[canonical] = append(s.aliases[canonical], alias)
	}

	for _, addr := range s.addresses[canonical] {
		if cur, ok := s.bindings[addr]; ok && cur.Type == ARecord {
			s.bindings[addr] = Record{Type: CNameRecord, Name: alias, Address: addr}
		}
	}
}

func (s *Store) applyQuestion(question string) {
	name := question
	for hop := 0; hop <= maxAliasHops; hop++ {
		if addrs := s.addresses[name]; len(addrs) > 0 {
			for _, addr := range addrs {
				s.bindings[addr] = Record{Type: QuestionAnsweredRecord, Name: question, Address: addr}
			}
			return
		}
		next, ok := s.canonical[name]
		if !ok {
			return
		}
		name = next
	}
}

// Lookup returns the hostname currently bound to addr.
func (s *Store) Lookup(addr netip.Addr) (string, bool) {
	rec, ok := s.Record(addr)
	return rec.Name, ok
}

// Record returns the full binding of addr.
func (s *Store) Record(addr netip.Addr) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.bindings[addr.Unmap()]
	return rec, ok
}

// Len returns the number of bound addresses.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bindings)
}
