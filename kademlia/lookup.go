package kademlia

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kadcore/kad/wire"
)

// DefaultAlpha is α, the lookup parallelism (spec §6).
const DefaultAlpha = 3

// DefaultBeta is β, the number of successful FIND_VALUE responses that
// short-circuit a value lookup (spec §6).
const DefaultBeta = 1

// DefaultMinStoreFraction is the minimum fraction of the k STORE replicas
// that must succeed for an iterative STORE to be considered successful
// (spec §6, §4.7).
const DefaultMinStoreFraction = 0.5

// shortlistEntry is one LookupContact (spec §3): a candidate plus whether
// it has already been queried this lookup.
type shortlistEntry struct {
	contact Contact
	queried bool
	inFlight bool

	// suggestedBy is the id of the contact whose FIND_NODE/FIND_VALUE
	// response first surfaced this entry, zero for the session's seed
	// contacts (drawn from the local routing table, not suggested by
	// anyone). A probe failure against this entry is attributed to
	// suggestedBy's downlist (spec §4.7 point 3).
	suggestedBy NodeID
}

// LookupEngine drives iterative FIND_NODE, FIND_VALUE and STORE-wave
// lookups with α-parallel probes and shortlist convergence (spec §4.7).
type LookupEngine struct {
	k, alpha, beta int
	minStoreFrac   float64

	self Contact
	rt   *RoutingTable
	rpc  *RpcLayer
	log  *zap.Logger
}

// NewLookupEngine constructs an engine with the default α/β/min-store
// parameters; override fields directly on the returned value for tests
// that need k=4-style small networks.
func NewLookupEngine(self Contact, rt *RoutingTable, rpc *RpcLayer, k int, log *zap.Logger) *LookupEngine {
	if log == nil {
		log = zap.NewNop()
	}
	return &LookupEngine{
		k: k, alpha: DefaultAlpha, beta: DefaultBeta, minStoreFrac: DefaultMinStoreFraction,
		self: self, rt: rt, rpc: rpc, log: log.Named("lookup"),
	}
}

// FindValueResult is what FindValue returns: either Values is non-empty,
// AlternativeHolder is set, or neither (ValueNotFound, spec §7).
type FindValueResult struct {
	Values            [][]byte
	AlternativeHolder *Contact
	CacheAt           []Contact // closest non-value-holder contacts seen, for cache-on-the-way-out
}

// lookupSession holds the shared, lookup-owned shortlist and downlist
// state mutated only from RPC completions (spec §5: "serialized through
// the lookup's internal mailbox" — here, a single mutex, since each probe's
// completion is handled in that probe's own goroutine).
type lookupSession struct {
	mu        sync.Mutex
	target    NodeID
	shortlist []*shortlistEntry
	seen      map[NodeID]struct{}
	downlist  map[NodeID][]NodeID // suggester id -> dead node ids it proposed
}

func newLookupSession(target NodeID, seed []Contact) *lookupSession {
	s := &lookupSession{
		target:   target,
		seen:     make(map[NodeID]struct{}, len(seed)),
		downlist: make(map[NodeID][]NodeID),
	}
	for _, c := range seed {
		s.seen[c.ID] = struct{}{}
		s.shortlist = append(s.shortlist, &shortlistEntry{contact: c})
	}
	s.sortAndTrim(len(seed))
	return s
}

func (s *lookupSession) sortAndTrim(k int) {
	sort.SliceStable(s.shortlist, func(i, j int) bool {
		return CloserTo(s.shortlist[i].contact.ID, s.shortlist[j].contact.ID, s.target)
	})
	if k > 0 && len(s.shortlist) > k {
		s.shortlist = s.shortlist[:k]
	}
}

// merge folds newly discovered contacts into the shortlist, recording
// suggestedBy on each new entry so a later probe failure against it can be
// attributed to suggestedBy's downlist entry (see markDead).
func (s *lookupSession) merge(suggestedBy NodeID, contacts []Contact, k int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range contacts {
		if _, dup := s.seen[c.ID]; dup {
			continue
		}
		s.seen[c.ID] = struct{}{}
		s.shortlist = append(s.shortlist, &shortlistEntry{contact: c, suggestedBy: suggestedBy})
	}
	s.sortAndTrim(k)
}

func (s *lookupSession) markDead(suggestedBy, dead NodeID) {
	s.mu.Lock()
	s.downlist[suggestedBy] = append(s.downlist[suggestedBy], dead)
	s.mu.Unlock()
}

// pickRound selects up to alpha un-queried, not-in-flight entries closest
// to target and marks them in-flight.
func (s *lookupSession) pickRound(alpha int) []*shortlistEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var picked []*shortlistEntry
	for _, e := range s.shortlist {
		if len(picked) >= alpha {
			break
		}
		if !e.queried && !e.inFlight {
			e.inFlight = true
			picked = append(picked, e)
		}
	}
	return picked
}

func (s *lookupSession) markQueried(e *shortlistEntry) {
	s.mu.Lock()
	e.queried = true
	e.inFlight = false
	s.mu.Unlock()
}

func (s *lookupSession) unqueriedRemaining() []*shortlistEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*shortlistEntry
	for _, e := range s.shortlist {
		if !e.queried {
			out = append(out, e)
		}
	}
	return out
}

func (s *lookupSession) snapshot(k int) []Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Contact, 0, k)
	for i, e := range s.shortlist {
		if i >= k {
			break
		}
		out = append(out, e.contact)
	}
	return out
}

// FindNode runs the iterative FIND_NODE algorithm (spec §4.7).
func (le *LookupEngine) FindNode(ctx context.Context, target NodeID) ([]Contact, error) {
	session := newLookupSession(target, le.rt.KClosest(target, le.k))

	for {
		round := session.pickRound(le.alpha)
		if len(round) == 0 {
			break
		}
		le.dispatchRound(ctx, session, round)

		if len(session.unqueriedRemaining()) == 0 {
			break
		}
	}

	// Final round to every remaining un-queried entry (spec §4.7 step 4).
	for {
		remaining := session.unqueriedRemaining()
		if len(remaining) == 0 {
			break
		}
		for _, e := range remaining {
			session.mu.Lock()
			e.inFlight = true
			session.mu.Unlock()
		}
		le.dispatchRound(ctx, session, remaining)
	}

	le.sendDownlists(ctx, session)
	return session.snapshot(le.k), nil
}

// dispatchRound fires FIND_NODE RPCs at every entry in round concurrently
// and waits for all of them to complete (respond or time out) before
// returning, matching spec §4.7's round-barrier semantics.
func (le *LookupEngine) dispatchRound(ctx context.Context, session *lookupSession, round []*shortlistEntry) {
	var wg sync.WaitGroup
	for _, entry := range round {
		wg.Add(1)
		go func(e *shortlistEntry) {
			defer wg.Done()
			le.probeFindNode(ctx, session, e)
		}(entry)
	}
	wg.Wait()
}

func (le *LookupEngine) probeFindNode(ctx context.Context, session *lookupSession, e *shortlistEntry) {
	defer session.markQueried(e)

	req := &wire.FindRequest{Key: session.target.Bytes(), SenderInfo: toWireContact(le.self)}
	done := make(chan Outcome, 1)
	_, err := le.rpc.Dispatch(ctx, transportEndpointOf(e.contact), MethodFindNode, req, false, func(o Outcome) { done <- o })
	if err != nil {
		le.rt.Remove(e.contact.ID, false)
		session.markDead(e.suggestedBy, e.contact.ID)
		return
	}

	select {
	case o := <-done:
		if o.Kind != OutcomeSuccess {
			le.rt.Remove(e.contact.ID, false)
			session.markDead(e.suggestedBy, e.contact.ID)
			return
		}
		var resp wire.Response
		if err := wire.Unmarshal(o.Body, &resp); err != nil {
			return
		}
		contacts := decodeContacts(resp.ClosestNodes)
		for _, c := range contacts {
			le.rt.AddContact(c)
		}
		session.merge(e.contact.ID, contacts, le.k)
	case <-ctx.Done():
	}
}

// sendDownlists notifies each suggester that proposed at least one dead
// contact, per spec §4.7 step 5.
func (le *LookupEngine) sendDownlists(ctx context.Context, session *lookupSession) {
	session.mu.Lock()
	downlist := session.downlist
	session.mu.Unlock()

	for suggester, dead := range downlist {
		contact, ok := le.rt.Get(suggester)
		if !ok {
			continue
		}
		var ids [][]byte
		for _, d := range dead {
			ids = append(ids, d.Bytes())
		}
		req := &wire.DownlistRequest{Downlist: ids, SenderInfo: toWireContact(le.self)}
		_, _ = le.rpc.Dispatch(ctx, transportEndpointOf(contact), MethodDownlist, req, false, func(Outcome) {})
	}
}

// FindValue runs the iterative FIND_VALUE algorithm, short-circuiting
// after β confirming responses carrying values, or immediately on an
// alternative_value_holder response (spec §4.7).
func (le *LookupEngine) FindValue(ctx context.Context, key []byte) (FindValueResult, error) {
	target, err := FromSlice(Hash(key))
	if err != nil {
		return FindValueResult{}, err
	}
	session := newLookupSession(target, le.rt.KClosest(target, le.k))

	var (
		mu         sync.Mutex
		confirmed  int
		values     [][]byte
		altHolder  *Contact
		cacheAt    []Contact
		shortCircuit bool
	)

	for !shortCircuit {
		round := session.pickRound(le.alpha)
		if len(round) == 0 {
			break
		}

		var wg sync.WaitGroup
		for _, entry := range round {
			wg.Add(1)
			go func(e *shortlistEntry) {
				defer wg.Done()
				defer session.markQueried(e)

				req := &wire.FindRequest{Key: key, SenderInfo: toWireContact(le.self)}
				done := make(chan Outcome, 1)
				_, err := le.rpc.Dispatch(ctx, transportEndpointOf(e.contact), MethodFindValue, req, false, func(o Outcome) { done <- o })
				if err != nil {
					le.rt.Remove(e.contact.ID, false)
					session.markDead(e.suggestedBy, e.contact.ID)
					return
				}

				select {
				case o := <-done:
					if o.Kind != OutcomeSuccess {
						le.rt.Remove(e.contact.ID, false)
						session.markDead(e.suggestedBy, e.contact.ID)
						return
					}
					var resp wire.Response
					if wire.Unmarshal(o.Body, &resp) != nil {
						return
					}
					switch {
					case resp.AlternativeValueHolder != nil:
						holder, err := fromWireContact(resp.AlternativeValueHolder)
						if err == nil {
							mu.Lock()
							if altHolder == nil {
								altHolder = &holder
							}
							shortCircuit = true
							mu.Unlock()
						}
					case len(resp.Values) > 0:
						mu.Lock()
						values = append(values, resp.Values...)
						confirmed++
						if confirmed >= le.beta {
							shortCircuit = true
						}
						mu.Unlock()
					default:
						contacts := decodeContacts(resp.ClosestNodes)
						for _, c := range contacts {
							le.rt.AddContact(c)
						}
						session.merge(e.contact.ID, contacts, le.k)
						mu.Lock()
						cacheAt = append(cacheAt, e.contact)
						mu.Unlock()
					}
				case <-ctx.Done():
				}
			}(entry)
		}
		wg.Wait()

		if !shortCircuit && len(session.unqueriedRemaining()) == 0 {
			break
		}
	}

	le.sendDownlists(ctx, session)

	if altHolder != nil {
		return FindValueResult{AlternativeHolder: altHolder}, nil
	}
	if len(values) > 0 {
		sort.SliceStable(cacheAt, func(i, j int) bool {
			return CloserTo(cacheAt[i].ID, cacheAt[j].ID, target)
		})
		return FindValueResult{Values: values, CacheAt: trimCacheTargets(cacheAt, le.k)}, nil
	}
	return FindValueResult{}, ValueNotFound.New("key %x", key)
}

func trimCacheTargets(cands []Contact, k int) []Contact {
	if len(cands) > k {
		return cands[:k]
	}
	return cands
}

// StoreResult is what Store returns: how many of the k target replicas
// accepted the value.
type StoreResult struct {
	Attempted int
	Succeeded int
}

// Store runs iterative STORE: FIND_NODE(key) to find the k closest nodes,
// then dispatches STORE to each concurrently (spec §4.7).
func (le *LookupEngine) Store(ctx context.Context, key []byte, req *wire.StoreRequest) (StoreResult, error) {
	target, err := FromSlice(Hash(key))
	if err != nil {
		return StoreResult{}, err
	}
	targets, err := le.FindNode(ctx, target)
	if err != nil {
		return StoreResult{}, err
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		ok  int
	)
	for _, c := range targets {
		wg.Add(1)
		go func(c Contact) {
			defer wg.Done()
			done := make(chan Outcome, 1)
			_, err := le.rpc.Dispatch(ctx, transportEndpointOf(c), MethodStore, req, false, func(o Outcome) { done <- o })
			if err != nil {
				return
			}
			select {
			case o := <-done:
				var resp wire.Response
				if o.Kind == OutcomeSuccess && wire.Unmarshal(o.Body, &resp) == nil && resp.Result == wire.ResultTrue {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			case <-ctx.Done():
			}
		}(c)
	}
	wg.Wait()

	result := StoreResult{Attempted: len(targets), Succeeded: ok}
	threshold := int(float64(le.k)*le.minStoreFrac + 0.999999) // ceil
	if ok < threshold {
		return result, StoreQuorumFailed.New("%d/%d succeeded, need >= %d", ok, len(targets), threshold)
	}
	return result, nil
}

func decodeContacts(wcs []*wire.Contact) []Contact {
	out := make([]Contact, 0, len(wcs))
	for _, wc := range wcs {
		c, err := fromWireContact(wc)
		if err == nil {
			out = append(out, c)
		}
	}
	return out
}
