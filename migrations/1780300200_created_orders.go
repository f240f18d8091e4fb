package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

var orderStatuses = []string{"pending", "processing", "completed", "cancelled", "refunded"}

var gateways = []string{"paystack", "stripe", "flutterwave", "cash", "bank_transfer"}

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("orders")

		collection.Fields.Add(
			&core.TextField{Name: "order_number", Required: true},
			&core.TextField{Name: "event", Required: true},
			&core.TextField{Name: "buyer", Required: true},
			&core.TextField{Name: "buyer_name"},
			&core.EmailField{Name: "buyer_email"},
			&core.TextField{Name: "buyer_phone"},
			&core.JSONField{Name: "items", Required: true, MaxSize: 1 << 20},
			&core.TextField{Name: "subtotal", Required: true},
			&core.TextField{Name: "service_fee", Required: true},
			&core.TextField{Name: "total", Required: true},
			&core.TextField{Name: "currency", Required: true, Max: 3},
			&core.SelectField{Name: "gateway", Required: true, MaxSelect: 1, Values: gateways},
			&core.SelectField{Name: "status", Required: true, MaxSelect: 1, Values: orderStatuses},
			&core.TextField{Name: "notes"},
			&core.TextField{Name: "cancel_reason"},
			&core.DateField{Name: "reservation_expires_at"},
			&core.DateField{Name: "completed_at"},
			&core.DateField{Name: "cancelled_at"},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)

		collection.AddIndex("idx_orders_number", true, "order_number", "")
		collection.AddIndex("idx_orders_buyer", false, "buyer, created", "")
		collection.AddIndex("idx_orders_stale", false, "status, reservation_expires_at", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("orders")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
