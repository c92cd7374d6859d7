package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"

	domain "github.com/tgif-kitchen/api/internal/domain"
	pfirestore "github.com/tgif-kitchen/api/internal/platform/firestore"
	"github.com/tgif-kitchen/api/internal/platform/pagination"
	"github.com/tgif-kitchen/api/internal/repositories"
)

const ordersCollection = "orders"

type orderLineItemDocument struct {
	ItemID    string `firestore:"itemId"`
	Name      string `firestore:"name"`
	UnitPrice int64  `firestore:"unitPrice"`
	Quantity  int    `firestore:"quantity"`
	ImageURL  string `firestore:"imageUrl,omitempty"`
}

type orderDocument struct {
	CustomerEmail         string                  `firestore:"customerEmail"`
	CustomerPhone         string                  `firestore:"customerPhone,omitempty"`
	DeliveryMode          string                  `firestore:"deliveryMode"`
	DeliveryAddress       string                  `firestore:"deliveryAddress,omitempty"`
	DeliveryPostcode      string                  `firestore:"deliveryPostcode,omitempty"`
	Items                 []orderLineItemDocument `firestore:"items"`
	Subtotal              int64                   `firestore:"subtotal"`
	DeliveryFee           int64                   `firestore:"deliveryFee"`
	Total                 int64                   `firestore:"total"`
	PaymentMethod         string                  `firestore:"paymentMethod"`
	PaymentStatus         string                  `firestore:"paymentStatus"`
	PaymentAmount         int64                   `firestore:"paymentAmount"`
	PaymentGatewayRef     string                  `firestore:"paymentGatewayRef,omitempty"`
	Status                string                  `firestore:"status"`
	SpecialRequests       string                  `firestore:"specialRequests,omitempty"`
	Notes                 string                  `firestore:"notes,omitempty"`
	EstimatedDeliveryTime *time.Time              `firestore:"estimatedDeliveryTime,omitempty"`
	ActualDeliveryTime    *time.Time              `firestore:"actualDeliveryTime,omitempty"`
	Read                  bool                    `firestore:"read"`
	CreatedAt             time.Time               `firestore:"createdAt"`
	UpdatedAt             time.Time               `firestore:"updatedAt"`
}

// OrderRepository implements repositories.OrderRepository backed by Firestore.
type OrderRepository struct {
	base     *pfirestore.BaseRepository[orderDocument]
	provider *pfirestore.Provider
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{
		base:     base,
		provider: provider,
	}, nil
}

// Insert creates the order document, failing with a conflict if the identifier
// is already taken.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}

	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, encodeOrder(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// FindByID loads a single order by its identifier.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.ID, doc.Data), nil
}

// Mutate applies fn to the current order snapshot inside a transaction and
// persists the mutated aggregate. Concurrent mutations of the same document
// retry or fail with a conflict, never a lost update.
func (r *OrderRepository) Mutate(ctx context.Context, orderID string, fn func(order *domain.Order) error) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if fn == nil {
		return domain.Order{}, errors.New("order repository: mutation function is required")
	}

	var mutated domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, strings.TrimSpace(orderID))
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore orders decode %s: %w", orderID, err)
		}

		order := decodeOrder(snapshot.Ref.ID, doc)
		if err := fn(&order); err != nil {
			return err
		}
		order.ID = snapshot.Ref.ID

		if err := tx.Set(ref, encodeOrder(order)); err != nil {
			return err
		}
		mutated = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return mutated, nil
}

// List returns a page of orders matching the filter, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}
	if pageSize > pagination.DefaultMaxPageSize {
		pageSize = pagination.DefaultMaxPageSize
	}

	var startAfter []any
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		tokenTime, tokenID, err := decodeOrderListToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		startAfter = []any{tokenTime, tokenID}
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		if len(filter.Status) > 0 {
			statuses := make([]string, 0, len(filter.Status))
			for _, s := range filter.Status {
				statuses = append(statuses, string(s))
			}
			query = query.Where("status", "in", statuses)
		}
		if filter.Unread != nil {
			query = query.Where("read", "==", !*filter.Unread)
		}
		if filter.DateRange.From != nil {
			query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil {
			query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
		}
		query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) > 0 {
			query = query.StartAfter(startAfter...)
		}
		return query.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{}
	hasMore := len(docs) > pageSize
	if hasMore {
		docs = docs[:pageSize]
	}
	for _, doc := range docs {
		page.Items = append(page.Items, decodeOrder(doc.ID, doc.Data))
	}

	if hasMore && len(docs) > 0 {
		last := docs[len(docs)-1]
		token, err := encodeOrderListToken(last.Data.CreatedAt, last.ID)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

func encodeOrderListToken(createdAt time.Time, docID string) (string, error) {
	return pagination.EncodeToken(pagination.Cursor{
		StartAfter: []any{createdAt.UTC().Format(time.RFC3339Nano), docID},
	})
}

// decodeOrderListToken rebuilds the typed cursor values. Firestore compares
// StartAfter values by type, so the createdAt element must be handed back to
// the query as a time.Time, never the string the token carries.
func decodeOrderListToken(token string) (time.Time, string, error) {
	cursor, err := pagination.DecodeToken(token)
	if err != nil {
		return time.Time{}, "", err
	}
	if len(cursor.StartAfter) != 2 {
		return time.Time{}, "", fmt.Errorf("%w: unexpected cursor shape", pagination.ErrInvalidPageToken)
	}
	rawTime, ok := cursor.StartAfter[0].(string)
	if !ok {
		return time.Time{}, "", fmt.Errorf("%w: createdAt element", pagination.ErrInvalidPageToken)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: createdAt element: %v", pagination.ErrInvalidPageToken, err)
	}
	docID, ok := cursor.StartAfter[1].(string)
	if !ok || docID == "" {
		return time.Time{}, "", fmt.Errorf("%w: document id element", pagination.ErrInvalidPageToken)
	}
	return createdAt.UTC(), docID, nil
}

// CountByStatus returns how many orders currently sit in the given status.
func (r *OrderRepository) CountByStatus(ctx context.Context, status domain.OrderStatus) (int64, error) {
	if r == nil || r.provider == nil {
		return 0, errors.New("order repository not initialised")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return 0, err
	}

	query := client.Collection(ordersCollection).Where("status", "==", string(status))
	agg := query.NewAggregationQuery().WithCount("total")
	results, err := agg.Get(ctx)
	if err != nil {
		return 0, pfirestore.WrapError("orders.count", err)
	}

	raw, ok := results["total"]
	if !ok {
		return 0, errors.New("firestore orders count: missing aggregation result")
	}
	value, ok := raw.(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("firestore orders count: unexpected result type %T", raw)
	}
	return value.GetIntegerValue(), nil
}

// ListByStatus returns up to limit orders in the given status, most recent
// first, so reconnecting dashboards can re-seed their view of the backlog.
func (r *OrderRepository) ListByStatus(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("order repository not initialised")
	}
	if limit <= 0 {
		limit = pagination.DefaultPageSize
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.
			Where("status", "==", string(status)).
			OrderBy("createdAt", firestore.Desc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, decodeOrder(doc.ID, doc.Data))
	}
	return orders, nil
}

func encodeOrder(order domain.Order) orderDocument {
	items := make([]orderLineItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderLineItemDocument{
			ItemID:    item.ItemID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice.Minor(),
			Quantity:  item.Quantity,
			ImageURL:  item.ImageURL,
		})
	}

	doc := orderDocument{
		CustomerEmail:     order.Customer.Email,
		CustomerPhone:     order.Customer.Phone,
		DeliveryMode:      string(order.Delivery.Mode),
		DeliveryAddress:   order.Delivery.Address,
		DeliveryPostcode:  order.Delivery.Postcode,
		Items:             items,
		Subtotal:          order.Pricing.Subtotal.Minor(),
		DeliveryFee:       order.Pricing.DeliveryFee.Minor(),
		Total:             order.Pricing.Total.Minor(),
		PaymentMethod:     string(order.Payment.Method),
		PaymentStatus:     string(order.Payment.Status),
		PaymentAmount:     order.Payment.Amount.Minor(),
		PaymentGatewayRef: order.Payment.GatewayRef,
		Status:            string(order.Status),
		SpecialRequests:   order.SpecialRequests,
		Notes:             order.Notes,
		Read:              order.Read,
		CreatedAt:         order.CreatedAt.UTC(),
		UpdatedAt:         order.UpdatedAt.UTC(),
	}
	if order.EstimatedDeliveryTime != nil {
		t := order.EstimatedDeliveryTime.UTC()
		doc.EstimatedDeliveryTime = &t
	}
	if order.ActualDeliveryTime != nil {
		t := order.ActualDeliveryTime.UTC()
		doc.ActualDeliveryTime = &t
	}
	return doc
}

func decodeOrder(id string, doc orderDocument) domain.Order {
	items := make([]domain.LineItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		items = append(items, domain.LineItem{
			ItemID:    item.ItemID,
			Name:      item.Name,
			UnitPrice: domain.Amount(item.UnitPrice),
			Quantity:  item.Quantity,
			ImageURL:  item.ImageURL,
		})
	}

	order := domain.Order{
		ID: id,
		Customer: domain.Customer{
			Email: doc.CustomerEmail,
			Phone: doc.CustomerPhone,
		},
		Delivery: domain.Delivery{
			Mode:     domain.DeliveryMode(doc.DeliveryMode),
			Address:  doc.DeliveryAddress,
			Postcode: doc.DeliveryPostcode,
		},
		Items: items,
		Pricing: domain.Pricing{
			Subtotal:    domain.Amount(doc.Subtotal),
			DeliveryFee: domain.Amount(doc.DeliveryFee),
			Total:       domain.Amount(doc.Total),
		},
		Payment: domain.Payment{
			Method:     domain.PaymentMethod(doc.PaymentMethod),
			Status:     domain.PaymentStatus(doc.PaymentStatus),
			Amount:     domain.Amount(doc.PaymentAmount),
			GatewayRef: doc.PaymentGatewayRef,
		},
		Status:          domain.OrderStatus(doc.Status),
		SpecialRequests: doc.SpecialRequests,
		Notes:           doc.Notes,
		Read:            doc.Read,
		CreatedAt:       doc.CreatedAt.UTC(),
		UpdatedAt:       doc.UpdatedAt.UTC(),
	}
	if doc.EstimatedDeliveryTime != nil {
		t := doc.EstimatedDeliveryTime.UTC()
		order.EstimatedDeliveryTime = &t
	}
	if doc.ActualDeliveryTime != nil {
		t := doc.ActualDeliveryTime.UTC()
		order.ActualDeliveryTime = &t
	}
	return order
}
