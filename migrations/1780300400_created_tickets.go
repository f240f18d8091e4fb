package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("tickets")

		collection.Fields.Add(
			&core.TextField{Name: "ticket_number", Required: true},
			&core.TextField{Name: "order", Required: true},
			&core.TextField{Name: "event", Required: true},
			&core.TextField{Name: "tier", Required: true},
			&core.TextField{Name: "tier_name"},
			&core.TextField{Name: "owner", Required: true},
			&core.TextField{Name: "attendee_name", Required: true},
			&core.TextField{Name: "attendee_email"},
			&core.TextField{Name: "attendee_phone"},
			&core.TextField{Name: "price_paid"},
			&core.SelectField{Name: "status", Required: true, MaxSelect: 1, Values: []string{"valid", "used", "cancelled", "refunded"}},
			&core.TextField{Name: "verification_code", Required: true, Hidden: true},
			&core.DateField{Name: "issued_at"},
			&core.DateField{Name: "checked_in_at"},
			&core.TextField{Name: "checked_in_by"},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)

		collection.AddIndex("idx_tickets_number", true, "ticket_number", "")
		collection.AddIndex("idx_tickets_order", false, "`order`", "")
		collection.AddIndex("idx_tickets_event_status", false, "event, status", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("tickets")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
