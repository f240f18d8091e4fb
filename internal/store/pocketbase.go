package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cafa-ticket/internal/status"
	"cafa-ticket/models"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"
)

const (
	CollectionEvents   = "events"
	CollectionTiers    = "ticket_tiers"
	CollectionOrders   = "orders"
	CollectionPayments = "payments"
	CollectionTickets  = "tickets"
)

// PocketBase stores records in the app's collections. Transactions go
// through RunInTransaction, which pocketbase runs on its single-writer
// connection.
type PocketBase struct {
	app core.App
}

func NewPocketBase(app core.App) *PocketBase {
	return &PocketBase{app: app}
}

func (s *PocketBase) Tx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.app.RunInTransaction(func(txApp core.App) error {
		return fn(&pbTx{app: txApp})
	})
}

type pbTx struct {
	app core.App
}

func notFound(err error, entity, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return status.NotFound(entity, id)
	}
	return fmt.Errorf("find %s %s: %w", entity, id, err)
}

func (tx *pbTx) newRecord(collection string) (*core.Record, error) {
	col, err := tx.app.FindCachedCollectionByNameOrId(collection)
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", collection, err)
	}
	return core.NewRecord(col), nil
}

func dateOrNil(rec *core.Record, field string) *time.Time {
	dt := rec.GetDateTime(field)
	if dt.IsZero() {
		return nil
	}
	t := dt.Time()
	return &t
}

func setOptionalDate(rec *core.Record, field string, t *time.Time) {
	if t == nil {
		rec.Set(field, "")
		return
	}
	rec.Set(field, *t)
}

func getDecimal(rec *core.Record, field string) decimal.Decimal {
	d, err := decimal.NewFromString(rec.GetString(field))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// events

func eventFromRecord(rec *core.Record) *models.Event {
	return &models.Event{
		ID:          rec.Id,
		Title:       rec.GetString("title"),
		Description: rec.GetString("description"),
		Venue:       rec.GetString("venue"),
		OrganizerID: rec.GetString("organizer"),
		Status:      models.EventStatus(rec.GetString("status")),
		StartTime:   rec.GetDateTime("start_time").Time(),
		EndTime:     rec.GetDateTime("end_time").Time(),
		CreatedAt:   rec.GetDateTime("created").Time(),
	}
}

func (tx *pbTx) InsertEvent(e *models.Event) error {
	rec, err := tx.newRecord(CollectionEvents)
	if err != nil {
		return err
	}
	if e.ID != "" {
		rec.Id = e.ID
	}
	rec.Set("title", e.Title)
	rec.Set("description", e.Description)
	rec.Set("venue", e.Venue)
	rec.Set("organizer", e.OrganizerID)
	rec.Set("status", string(e.Status))
	rec.Set("start_time", e.StartTime)
	rec.Set("end_time", e.EndTime)
	if err := tx.app.Save(rec); err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	e.ID = rec.Id
	e.CreatedAt = rec.GetDateTime("created").Time()
	return nil
}

func (tx *pbTx) Event(id string) (*models.Event, error) {
	rec, err := tx.app.FindRecordById(CollectionEvents, id)
	if err != nil {
		return nil, notFound(err, "event", id)
	}
	return eventFromRecord(rec), nil
}

// tiers

func tierFromRecord(rec *core.Record) *models.TicketTier {
	return &models.TicketTier{
		ID:          rec.Id,
		EventID:     rec.GetString("event"),
		Name:        rec.GetString("name"),
		Description: rec.GetString("description"),
		Price:       getDecimal(rec, "price"),
		Total:       rec.GetInt("total"),
		MinPurchase: rec.GetInt("min_purchase"),
		MaxPurchase: rec.GetInt("max_purchase"),
		SalesStart:  dateOrNil(rec, "sales_start"),
		SalesEnd:    dateOrNil(rec, "sales_end"),
		Active:      rec.GetBool("active"),
		CreatedAt:   rec.GetDateTime("created").Time(),
	}
}

func fillTier(rec *core.Record, t *models.TicketTier) {
	rec.Set("event", t.EventID)
	rec.Set("name", t.Name)
	rec.Set("description", t.Description)
	rec.Set("price", t.Price.String())
	rec.Set("total", t.Total)
	rec.Set("min_purchase", t.MinPurchase)
	rec.Set("max_purchase", t.MaxPurchase)
	setOptionalDate(rec, "sales_start", t.SalesStart)
	setOptionalDate(rec, "sales_end", t.SalesEnd)
	rec.Set("active", t.Active)
}

func (tx *pbTx) InsertTier(t *models.TicketTier) error {
	rec, err := tx.newRecord(CollectionTiers)
	if err != nil {
		return err
	}
	if t.ID != "" {
		rec.Id = t.ID
	}
	fillTier(rec, t)
	if err := tx.app.Save(rec); err != nil {
		return fmt.Errorf("save tier: %w", err)
	}
	t.ID = rec.Id
	t.CreatedAt = rec.GetDateTime("created").Time()
	return nil
}

func (tx *pbTx) UpdateTier(t *models.TicketTier) error {
	rec, err := tx.app.FindRecordById(CollectionTiers, t.ID)
	if err != nil {
		return notFound(err, "tier", t.ID)
	}
	fillTier(rec, t)
	if err := tx.app.Save(rec); err != nil {
		return fmt.Errorf("save tier %s: %w", t.ID, err)
	}
	return nil
}

func (tx *pbTx) Tier(id string) (*models.TicketTier, error) {
	rec, err := tx.app.FindRecordById(CollectionTiers, id)
	if err != nil {
		return nil, notFound(err, "tier", id)
	}
	return tierFromRecord(rec), nil
}

func (tx *pbTx) TiersByEvent(eventID string) ([]*models.TicketTier, error) {
	recs, err := tx.app.FindRecordsByFilter(CollectionTiers, "event = {:event}", "created", 0, 0, dbx.Params{"event": eventID})
	if err != nil {
		return nil, fmt.Errorf("list tiers of %s: %w", eventID, err)
	}
	out := make([]*models.TicketTier, 0, len(recs))
	for _, rec := range recs {
		out = append(out, tierFromRecord(rec))
	}
	return out, nil
}

// orders

func orderFromRecord(rec *core.Record) (*models.Order, error) {
	o := &models.Order{
		ID:                   rec.GetString("order_number"),
		EventID:              rec.GetString("event"),
		BuyerID:              rec.GetString("buyer"),
		BuyerName:            rec.GetString("buyer_name"),
		BuyerEmail:           rec.GetString("buyer_email"),
		BuyerPhone:           rec.GetString("buyer_phone"),
		Subtotal:             getDecimal(rec, "subtotal"),
		ServiceFee:           getDecimal(rec, "service_fee"),
		Total:                getDecimal(rec, "total"),
		Currency:             rec.GetString("currency"),
		Gateway:              models.Gateway(rec.GetString("gateway")),
		Status:               models.OrderStatus(rec.GetString("status")),
		Notes:                rec.GetString("notes"),
		CancelReason:         rec.GetString("cancel_reason"),
		ReservationExpiresAt: rec.GetDateTime("reservation_expires_at").Time(),
		CreatedAt:            rec.GetDateTime("created").Time(),
		UpdatedAt:            rec.GetDateTime("updated").Time(),
		CompletedAt:          dateOrNil(rec, "completed_at"),
		CancelledAt:          dateOrNil(rec, "cancelled_at"),
	}
	if err := rec.UnmarshalJSONField("items", &o.Items); err != nil {
		return nil, fmt.Errorf("decode items of order %s: %w", o.ID, err)
	}
	return o, nil
}

func fillOrder(rec *core.Record, o *models.Order) {
	rec.Set("order_number", o.ID)
	rec.Set("event", o.EventID)
	rec.Set("buyer", o.BuyerID)
	rec.Set("buyer_name", o.BuyerName)
	rec.Set("buyer_email", o.BuyerEmail)
	rec.Set("buyer_phone", o.BuyerPhone)
	rec.Set("items", o.Items)
	rec.Set("subtotal", o.Subtotal.StringFixed(models.CurrencyPlaces))
	rec.Set("service_fee", o.ServiceFee.StringFixed(models.CurrencyPlaces))
	rec.Set("total", o.Total.StringFixed(models.CurrencyPlaces))
	rec.Set("currency", o.Currency)
	rec.Set("gateway", string(o.Gateway))
	rec.Set("status", string(o.Status))
	rec.Set("notes", o.Notes)
	rec.Set("cancel_reason", o.CancelReason)
	rec.Set("reservation_expires_at", o.ReservationExpiresAt)
	setOptionalDate(rec, "completed_at", o.CompletedAt)
	setOptionalDate(rec, "cancelled_at", o.CancelledAt)
}

func (tx *pbTx) orderRecord(id string) (*core.Record, error) {
	rec, err := tx.app.FindFirstRecordByData(CollectionOrders, "order_number", id)
	if err != nil {
		return nil, notFound(err, "order", id)
	}
	return rec, nil
}

func (tx *pbTx) InsertOrder(o *models.Order) error {
	rec, err := tx.newRecord(CollectionOrders)
	if err != nil {
		return err
	}
	fillOrder(rec, o)
	if err := tx.app.Save(rec); err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

func (tx *pbTx) UpdateOrder(o *models.Order) error {
	rec, err := tx.orderRecord(o.ID)
	if err != nil {
		return err
	}
	fillOrder(rec, o)
	if err := tx.app.Save(rec); err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

func (tx *pbTx) Order(id string) (*models.Order, error) {
	rec, err := tx.orderRecord(id)
	if err != nil {
		return nil, err
	}
	return orderFromRecord(rec)
}

func (tx *pbTx) ordersByFilter(filter, sort string, limit int, params dbx.Params) ([]*models.Order, error) {
	recs, err := tx.app.FindRecordsByFilter(CollectionOrders, filter, sort, limit, 0, params)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	out := make([]*models.Order, 0, len(recs))
	for _, rec := range recs {
		o, err := orderFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (tx *pbTx) OrdersByBuyer(buyerID string) ([]*models.Order, error) {
	return tx.ordersByFilter("buyer = {:buyer}", "-created", 0, dbx.Params{"buyer": buyerID})
}

func (tx *pbTx) StaleOrders(before time.Time, limit int) ([]*models.Order, error) {
	return tx.ordersByFilter(
		"(status = 'pending' || status = 'processing') && reservation_expires_at != '' && reservation_expires_at < {:before}",
		"reservation_expires_at",
		limit,
		dbx.Params{"before": before.UTC().Format(types.DefaultDateLayout)},
	)
}

// payments

func paymentFromRecord(rec *core.Record) *models.Payment {
	return &models.Payment{
		ID:                rec.GetString("payment_number"),
		OrderID:           rec.GetString("order"),
		Gateway:           models.Gateway(rec.GetString("gateway")),
		Amount:            getDecimal(rec, "amount"),
		Currency:          rec.GetString("currency"),
		Status:            models.PaymentStatus(rec.GetString("status")),
		ExternalReference: rec.GetString("external_reference"),
		RedirectURL:       rec.GetString("redirect_url"),
		AccessCode:        rec.GetString("access_code"),
		Instructions:      rec.GetString("instructions"),
		RefundDue:         rec.GetBool("refund_due"),
		CreatedAt:         rec.GetDateTime("created").Time(),
		UpdatedAt:         rec.GetDateTime("updated").Time(),
		CompletedAt:       dateOrNil(rec, "completed_at"),
	}
}

func fillPayment(rec *core.Record, p *models.Payment) {
	rec.Set("payment_number", p.ID)
	rec.Set("order", p.OrderID)
	rec.Set("gateway", string(p.Gateway))
	rec.Set("amount", p.Amount.StringFixed(models.CurrencyPlaces))
	rec.Set("currency", p.Currency)
	rec.Set("status", string(p.Status))
	rec.Set("external_reference", p.ExternalReference)
	rec.Set("redirect_url", p.RedirectURL)
	rec.Set("access_code", p.AccessCode)
	rec.Set("instructions", p.Instructions)
	rec.Set("refund_due", p.RefundDue)
	setOptionalDate(rec, "completed_at", p.CompletedAt)
}

func (tx *pbTx) InsertPayment(p *models.Payment) error {
	rec, err := tx.newRecord(CollectionPayments)
	if err != nil {
		return err
	}
	fillPayment(rec, p)
	if err := tx.app.Save(rec); err != nil {
		return fmt.Errorf("save payment %s: %w", p.ID, err)
	}
	return nil
}

func (tx *pbTx) UpdatePayment(p *models.Payment) error {
	rec, err := tx.app.FindFirstRecordByData(CollectionPayments, "payment_number", p.ID)
	if err != nil {
		return notFound(err, "payment", p.ID)
	}
	fillPayment(rec, p)
	if err := tx.app.Save(rec); err != nil {
		return fmt.Errorf("save payment %s: %w", p.ID, err)
	}
	return nil
}

func (tx *pbTx) PaymentByOrder(orderID string) (*models.Payment, error) {
	rec, err := tx.app.FindFirstRecordByData(CollectionPayments, "order", orderID)
	if err != nil {
		return nil, notFound(err, "payment for order", orderID)
	}
	return paymentFromRecord(rec), nil
}

func (tx *pbTx) PaymentByReference(gateway models.Gateway, reference string) (*models.Payment, error) {
	rec, err := tx.app.FindFirstRecordByFilter(CollectionPayments,
		"gateway = {:gateway} && external_reference = {:ref}",
		dbx.Params{"gateway": string(gateway), "ref": reference},
	)
	if err != nil {
		return nil, notFound(err, "payment", reference)
	}
	return paymentFromRecord(rec), nil
}

// tickets

func ticketFromRecord(rec *core.Record) *models.Ticket {
	return &models.Ticket{
		ID:       rec.Id,
		Number:   rec.GetString("ticket_number"),
		OrderID:  rec.GetString("order"),
		EventID:  rec.GetString("event"),
		TierID:   rec.GetString("tier"),
		TierName: rec.GetString("tier_name"),
		OwnerID:  rec.GetString("owner"),
		Attendee: models.Attendee{
			Name:  rec.GetString("attendee_name"),
			Email: rec.GetString("attendee_email"),
			Phone: rec.GetString("attendee_phone"),
		},
		PricePaid:        getDecimal(rec, "price_paid"),
		Status:           models.TicketStatus(rec.GetString("status")),
		VerificationCode: rec.GetString("verification_code"),
		IssuedAt:         rec.GetDateTime("issued_at").Time(),
		CheckedInAt:      dateOrNil(rec, "checked_in_at"),
		CheckedInBy:      rec.GetString("checked_in_by"),
	}
}

func fillTicket(rec *core.Record, t *models.Ticket) {
	rec.Set("ticket_number", t.Number)
	rec.Set("order", t.OrderID)
	rec.Set("event", t.EventID)
	rec.Set("tier", t.TierID)
	rec.Set("tier_name", t.TierName)
	rec.Set("owner", t.OwnerID)
	rec.Set("attendee_name", t.Attendee.Name)
	rec.Set("attendee_email", t.Attendee.Email)
	rec.Set("attendee_phone", t.Attendee.Phone)
	rec.Set("price_paid", t.PricePaid.StringFixed(models.CurrencyPlaces))
	rec.Set("status", string(t.Status))
	rec.Set("verification_code", t.VerificationCode)
	rec.Set("issued_at", t.IssuedAt)
	setOptionalDate(rec, "checked_in_at", t.CheckedInAt)
	rec.Set("checked_in_by", t.CheckedInBy)
}

func (tx *pbTx) ticketRecord(number string) (*core.Record, error) {
	rec, err := tx.app.FindFirstRecordByData(CollectionTickets, "ticket_number", number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, status.TicketNotFound(number)
		}
		return nil, fmt.Errorf("find ticket %s: %w", number, err)
	}
	return rec, nil
}

func (tx *pbTx) InsertTicket(t *models.Ticket) error {
	rec, err := tx.newRecord(CollectionTickets)
	if err != nil {
		return err
	}
	fillTicket(rec, t)
	if err := tx.app.Save(rec); err != nil {
		return fmt.Errorf("save ticket %s: %w", t.Number, err)
	}
	t.ID = rec.Id
	return nil
}

func (tx *pbTx) UpdateTicket(t *models.Ticket) error {
	rec, err := tx.ticketRecord(t.Number)
	if err != nil {
		return err
	}
	fillTicket(rec, t)
	if err := tx.app.Save(rec); err != nil {
		return fmt.Errorf("save ticket %s: %w", t.Number, err)
	}
	return nil
}

func (tx *pbTx) Ticket(number string) (*models.Ticket, error) {
	rec, err := tx.ticketRecord(number)
	if err != nil {
		return nil, err
	}
	return ticketFromRecord(rec), nil
}

func (tx *pbTx) TicketsByOrder(orderID string) ([]*models.Ticket, error) {
	recs, err := tx.app.FindRecordsByFilter(CollectionTickets, "order = {:order}", "ticket_number", 0, 0, dbx.Params{"order": orderID})
	if err != nil {
		return nil, fmt.Errorf("list tickets of %s: %w", orderID, err)
	}
	out := make([]*models.Ticket, 0, len(recs))
	for _, rec := range recs {
		out = append(out, ticketFromRecord(rec))
	}
	return out, nil
}

func (tx *pbTx) TicketsByOwner(ownerID string) ([]*models.Ticket, error) {
	recs, err := tx.app.FindRecordsByFilter(CollectionTickets, "owner = {:owner}", "-issued_at,ticket_number", 0, 0, dbx.Params{"owner": ownerID})
	if err != nil {
		return nil, fmt.Errorf("list tickets of %s: %w", ownerID, err)
	}
	out := make([]*models.Ticket, 0, len(recs))
	for _, rec := range recs {
		out = append(out, ticketFromRecord(rec))
	}
	return out, nil
}

// MarkTicketUsed is a conditional update so two scanners racing on the same
// ticket cannot both admit it.
func (tx *pbTx) MarkTicketUsed(number, by string, at time.Time) (bool, error) {
	stamp := at.UTC().Format(types.DefaultDateLayout)
	res, err := tx.app.DB().NewQuery(
		"UPDATE tickets SET status = 'used', checked_in_at = {:at}, checked_in_by = {:by}, updated = {:at} " +
			"WHERE ticket_number = {:number} AND status = 'valid'",
	).Bind(dbx.Params{"at": stamp, "by": by, "number": number}).Execute()
	if err != nil {
		return false, fmt.Errorf("check in ticket %s: %w", number, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check in ticket %s: %w", number, err)
	}
	if n == 0 {
		if _, err := tx.ticketRecord(number); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (tx *pbTx) CheckInStats(eventID string) (models.CheckInStats, error) {
	stats := models.CheckInStats{EventID: eventID}

	issued, err := tx.app.CountRecords(CollectionTickets,
		dbx.HashExp{"event": eventID},
		dbx.In("status", string(models.TicketValid), string(models.TicketUsed)),
	)
	if err != nil {
		return stats, fmt.Errorf("count tickets of %s: %w", eventID, err)
	}
	used, err := tx.app.CountRecords(CollectionTickets, dbx.HashExp{"event": eventID, "status": string(models.TicketUsed)})
	if err != nil {
		return stats, fmt.Errorf("count check-ins of %s: %w", eventID, err)
	}

	stats.Issued = int(issued)
	stats.CheckedIn = int(used)
	return stats, nil
}
