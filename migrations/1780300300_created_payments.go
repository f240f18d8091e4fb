package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("payments")

		collection.Fields.Add(
			&core.TextField{Name: "payment_number", Required: true},
			&core.TextField{Name: "order", Required: true},
			&core.SelectField{Name: "gateway", Required: true, MaxSelect: 1, Values: gateways},
			&core.TextField{Name: "amount", Required: true},
			&core.TextField{Name: "currency", Required: true, Max: 3},
			&core.SelectField{Name: "status", Required: true, MaxSelect: 1, Values: []string{"pending", "success", "failed"}},
			&core.TextField{Name: "external_reference"},
			&core.URLField{Name: "redirect_url"},
			&core.TextField{Name: "access_code"},
			&core.TextField{Name: "instructions"},
			&core.BoolField{Name: "refund_due"},
			&core.DateField{Name: "completed_at"},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)

		collection.AddIndex("idx_payments_number", true, "payment_number", "")
		collection.AddIndex("idx_payments_order", true, "`order`", "")
		// One payment per gateway reference, so a replayed callback always
		// resolves to the same order.
		collection.AddIndex("idx_payments_reference", true, "gateway, external_reference", "external_reference != ''")
		collection.AddIndex("idx_payments_refund_due", false, "refund_due", "refund_due = TRUE")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("payments")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
