package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/castline/escrowd/internal/logging"
	"github.com/castline/escrowd/internal/money"
	"github.com/castline/escrowd/internal/pagination"
	"github.com/castline/escrowd/internal/traces"
	"github.com/shopspring/decimal"
)

// History page sizes.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// QueryService answers read-only questions about the ledger.
type QueryService struct {
	store     Store
	contracts ContractStore
	directory Directory
}

// NewQueryService creates a query service. directory may be nil, in which
// case names are left empty.
func NewQueryService(store Store, contracts ContractStore, directory Directory) *QueryService {
	return &QueryService{store: store, contracts: contracts, directory: directory}
}

// StatusView is an escrow with its parties' display names.
type StatusView struct {
	*Escrow
	PayerName string `json:"payerName,omitempty"`
	PayeeName string `json:"payeeName,omitempty"`
}

// HistoryItem is an escrow from one user's point of view.
type HistoryItem struct {
	*Escrow
	ContractTitle    string `json:"contractTitle,omitempty"`
	CounterpartyID   string `json:"counterpartyId"`
	CounterpartyName string `json:"counterpartyName,omitempty"`
	IsIncoming       bool   `json:"isIncoming"`
}

// HistoryPage is one page of a user's history, newest first.
type HistoryPage struct {
	Items      []*HistoryItem `json:"items"`
	NextCursor string         `json:"nextCursor,omitempty"`
	HasMore    bool           `json:"hasMore"`
}

// EarningsSummary buckets a payee's escrows by gross amount.
// Released covers released escrows and disputes resolved for the payee;
// ReleasedNet is the same bucket after platform fees. Total is the sum of
// the four gross buckets. Refunded and cancelled escrows are excluded.
type EarningsSummary struct {
	UserID      string `json:"userId"`
	Pending     string `json:"pending"`
	Available   string `json:"available"`
	Released    string `json:"released"`
	ReleasedNet string `json:"releasedNet"`
	Disputed    string `json:"disputed"`
	Total       string `json:"total"`
	Count       int    `json:"count"`
}

// GetByContract returns every escrow of a contract, newest first.
func (q *QueryService) GetByContract(ctx context.Context, caller Caller, contractID string) ([]*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.GetByContract", traces.ContractID(contractID))
	defer span.End()

	contract, err := q.contracts.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !caller.Arbitrator && caller.UserID != contract.ProducerID && caller.UserID != contract.TalentID {
		return nil, fmt.Errorf("%w: not a party to this contract", ErrForbidden)
	}

	escrows, err := q.store.ListByContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if escrows == nil {
		escrows = []*Escrow{}
	}
	return escrows, nil
}

// GetStatus returns one escrow with its parties' display names.
func (q *QueryService) GetStatus(ctx context.Context, caller Caller, id string) (*StatusView, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.GetStatus", traces.EscrowID(id))
	defer span.End()

	e, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.Arbitrator && !e.IsParty(caller.UserID) {
		return nil, fmt.Errorf("%w: not a party to this escrow", ErrForbidden)
	}

	names := newNameCache(q.directory)
	return &StatusView{
		Escrow:    e,
		PayerName: names.get(ctx, e.PayerID),
		PayeeName: names.get(ctx, e.PayeeID),
	}, nil
}

// GetHistory returns a page of escrows userID takes part in under role.
func (q *QueryService) GetHistory(ctx context.Context, caller Caller, userID string, role Role, cursor string, limit int) (*HistoryPage, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.GetHistory", traces.UserID(userID))
	defer span.End()

	if role == "" {
		role = RoleAll
	}
	if role != RolePayer && role != RolePayee && role != RoleAll {
		return nil, fmt.Errorf("%w: role must be one of payer, payee, all", ErrValidation)
	}
	if caller.UserID == "" || caller.UserID != userID {
		return nil, fmt.Errorf("%w: history is only visible to its owner", ErrForbidden)
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	escrows, err := q.store.ListByUser(ctx, userID, role, after, limit+1)
	if err != nil {
		return nil, err
	}
	escrows, next, hasMore := pagination.ComputePage(escrows, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})

	names := newNameCache(q.directory)
	titles := make(map[string]string)
	items := make([]*HistoryItem, 0, len(escrows))
	for _, e := range escrows {
		title, ok := titles[e.ContractID]
		if !ok {
			title = q.contractTitle(ctx, e.ContractID)
			titles[e.ContractID] = title
		}
		counterparty := e.Counterparty(userID)
		items = append(items, &HistoryItem{
			Escrow:           e,
			ContractTitle:    title,
			CounterpartyID:   counterparty,
			CounterpartyName: names.get(ctx, counterparty),
			IsIncoming:       userID == e.PayeeID,
		})
	}

	return &HistoryPage{Items: items, NextCursor: next, HasMore: hasMore}, nil
}

// GetEarningsSummary totals the escrows paying userID.
func (q *QueryService) GetEarningsSummary(ctx context.Context, caller Caller, userID string) (*EarningsSummary, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.GetEarningsSummary", traces.UserID(userID))
	defer span.End()

	if caller.UserID == "" || caller.UserID != userID {
		return nil, fmt.Errorf("%w: earnings are only visible to their owner", ErrForbidden)
	}

	byStatus, err := q.store.EarningsByStatus(ctx, userID)
	if err != nil {
		return nil, err
	}
	return summarize(userID, byStatus), nil
}

func summarize(userID string, byStatus map[Status]Totals) *EarningsSummary {
	pending := byStatus[StatusPending]
	funded := byStatus[StatusFunded]
	disputed := byStatus[StatusDisputed]
	released := byStatus[StatusReleased]
	resolved := byStatus[StatusResolved]

	releasedGross := released.Gross.Add(resolved.Gross)
	releasedNet := released.Net.Add(resolved.Net)
	total := decimal.Sum(pending.Gross, funded.Gross, releasedGross, disputed.Gross)

	return &EarningsSummary{
		UserID:      userID,
		Pending:     money.Format(pending.Gross),
		Available:   money.Format(funded.Gross),
		Released:    money.Format(releasedGross),
		ReleasedNet: money.Format(releasedNet),
		Disputed:    money.Format(disputed.Gross),
		Total:       money.Format(total),
		Count:       pending.Count + funded.Count + disputed.Count + released.Count + resolved.Count,
	}
}

func (q *QueryService) contractTitle(ctx context.Context, contractID string) string {
	c, err := q.contracts.GetContract(ctx, contractID)
	if err != nil {
		if !errors.Is(err, ErrContractNotFound) {
			logging.L(ctx).Warn("contract lookup failed", "contract_id", contractID, "error", err)
		}
		return ""
	}
	return c.Title
}

// nameCache resolves each user at most once per query. Lookups are best
// effort; a failure leaves the name empty.
type nameCache struct {
	dir   Directory
	names map[string]string
}

func newNameCache(dir Directory) *nameCache {
	return &nameCache{dir: dir, names: make(map[string]string)}
}

func (n *nameCache) get(ctx context.Context, userID string) string {
	if n.dir == nil || userID == "" {
		return ""
	}
	if name, ok := n.names[userID]; ok {
		return name
	}
	name, err := n.dir.DisplayName(ctx, userID)
	if err != nil {
		logging.L(ctx).Debug("display name lookup failed", "user_id", userID, "error", err)
		name = ""
	}
	n.names[userID] = name
	return name
}
