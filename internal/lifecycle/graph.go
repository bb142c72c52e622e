package lifecycle

// edge is one legal (from -> to) pair of a transition graph.
type edge struct {
	from, to Status
	// gated edges go through the approval threshold evaluator.
	gated bool
	// minRole is the least role allowed to take the edge; empty means member.
	minRole Role
}

// Graph is the declared lifecycle of one entity type.
type Graph struct {
	Type     EntityType
	Initial  Status
	statuses map[Status]struct{}
	terminal map[Status]struct{}
	edges    map[Status]map[Status]edge
	// fieldLocks deny field writes through the generic update path while the
	// record sits in the given status.
	fieldLocks map[Status]string
	// deleteLocks deny deletion while the record sits in the given status.
	deleteLocks map[Status]string
}

func newGraph(t EntityType, initial Status, terminal []Status, edges []edge) *Graph {
	g := &Graph{
		Type:        t,
		Initial:     initial,
		statuses:    map[Status]struct{}{initial: {}},
		terminal:    make(map[Status]struct{}, len(terminal)),
		edges:       make(map[Status]map[Status]edge),
		fieldLocks:  make(map[Status]string),
		deleteLocks: make(map[Status]string),
	}
	for _, s := range terminal {
		g.terminal[s] = struct{}{}
		g.statuses[s] = struct{}{}
	}
	for _, e := range edges {
		if e.minRole == "" {
			e.minRole = RoleMember
		}
		if g.edges[e.from] == nil {
			g.edges[e.from] = make(map[Status]edge)
		}
		g.edges[e.from][e.to] = e
		g.statuses[e.from] = struct{}{}
		g.statuses[e.to] = struct{}{}
	}
	return g
}

func (g *Graph) lockFields(reason string, statuses ...Status) *Graph {
	for _, s := range statuses {
		g.fieldLocks[s] = reason
	}
	return g
}

func (g *Graph) lockDelete(reason string, statuses ...Status) *Graph {
	for _, s := range statuses {
		g.deleteLocks[s] = reason
	}
	return g
}

// HasStatus reports whether s belongs to the graph.
func (g *Graph) HasStatus(s Status) bool {
	_, ok := g.statuses[s]
	return ok
}

// IsTerminal reports whether s is a terminal status of the graph.
func (g *Graph) IsTerminal(s Status) bool {
	_, ok := g.terminal[s]
	return ok
}

func (g *Graph) lookup(from, to Status) (edge, bool) {
	e, ok := g.edges[from][to]
	return e, ok
}

// ActivationStatus returns the target of the approval-gated edge leaving the
// initial status, if the type has one.
func (g *Graph) ActivationStatus() (Status, bool) {
	for to, e := range g.edges[g.Initial] {
		if e.gated {
			return to, true
		}
	}
	return "", false
}

var (
	quoteGraph = newGraph(EntityQuote, StatusDraft,
		[]Status{StatusWon, StatusLost, StatusExpired, StatusCancelled},
		[]edge{
			{from: StatusDraft, to: StatusActive, gated: true},
			{from: StatusDraft, to: StatusCancelled},
			{from: StatusActive, to: StatusWon},
			{from: StatusActive, to: StatusLost},
			{from: StatusActive, to: StatusExpired},
			{from: StatusActive, to: StatusCancelled, minRole: RoleManager},
		})

	dealGraph = newGraph(EntityDeal, StatusDraft,
		[]Status{StatusWon, StatusLost, StatusCancelled},
		[]edge{
			{from: StatusDraft, to: StatusActive, gated: true},
			{from: StatusDraft, to: StatusCancelled},
			{from: StatusActive, to: StatusWon},
			{from: StatusActive, to: StatusLost},
			{from: StatusActive, to: StatusCancelled, minRole: RoleManager},
		})

	invoiceGraph = newGraph(EntityInvoice, StatusDraft,
		[]Status{StatusPaid, StatusCancelled},
		[]edge{
			{from: StatusDraft, to: StatusSent, gated: true},
			{from: StatusDraft, to: StatusCancelled},
			{from: StatusSent, to: StatusShipped},
			{from: StatusSent, to: StatusPaid},
			{from: StatusShipped, to: StatusPaid},
			{from: StatusSent, to: StatusCancelled, minRole: RoleManager},
		}).
		lockFields(ReasonInvoiceShippedLocked, StatusShipped)

	contractGraph = newGraph(EntityContract, StatusDraft,
		[]Status{StatusExpired, StatusCancelled},
		[]edge{
			{from: StatusDraft, to: StatusActive, gated: true},
			{from: StatusDraft, to: StatusCancelled},
			{from: StatusActive, to: StatusExpired},
			{from: StatusActive, to: StatusCancelled, minRole: RoleManager},
		}).
		lockDelete(ReasonActiveContractCannotBeDeleted, StatusActive)

	shipmentGraph = newGraph(EntityShipment, StatusDraft,
		[]Status{StatusDelivered, StatusCancelled},
		[]edge{
			{from: StatusDraft, to: StatusApproved},
			{from: StatusDraft, to: StatusCancelled},
			{from: StatusApproved, to: StatusInTransit},
			{from: StatusApproved, to: StatusDelivered},
			{from: StatusInTransit, to: StatusDelivered},
			{from: StatusApproved, to: StatusCancelled, minRole: RoleManager},
		}).
		lockFields(ReasonApprovedLocked, StatusApproved, StatusInTransit).
		lockFields(ReasonShipmentLocked, StatusDelivered)

	ticketGraph = newGraph(EntityTicket, StatusOpen,
		[]Status{StatusResolved, StatusCancelled},
		[]edge{
			{from: StatusOpen, to: StatusInProgress},
			{from: StatusOpen, to: StatusCancelled},
			{from: StatusInProgress, to: StatusResolved},
			{from: StatusInProgress, to: StatusCancelled},
		})
)

// GraphFor returns the lifecycle graph of t, or nil for an unknown type.
func GraphFor(t EntityType) *Graph {
	switch t {
	case EntityQuote:
		return quoteGraph
	case EntityDeal:
		return dealGraph
	case EntityInvoice:
		return invoiceGraph
	case EntityContract:
		return contractGraph
	case EntityShipment:
		return shipmentGraph
	case EntityTicket:
		return ticketGraph
	default:
		return nil
	}
}
