package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
	"github.com/pocketbase/pocketbase/tools/types"
)

func init() {
	m.Register(func(app core.App) error {
		events, err := app.FindCollectionByNameOrId("events")
		if err != nil {
			return err
		}

		collection := core.NewBaseCollection("ticket_tiers")

		collection.Fields.Add(
			&core.RelationField{Name: "event", Required: true, MaxSelect: 1, CollectionId: events.Id, CascadeDelete: true},
			&core.TextField{Name: "name", Required: true, Max: 100},
			&core.TextField{Name: "description"},
			// Decimal string, two places.
			&core.TextField{Name: "price", Required: true, Pattern: `^\d+(\.\d+)?$`},
			&core.NumberField{Name: "total", Required: true, OnlyInt: true, Min: types.Pointer(1.0)},
			&core.NumberField{Name: "min_purchase", OnlyInt: true, Min: types.Pointer(0.0)},
			&core.NumberField{Name: "max_purchase", OnlyInt: true, Min: types.Pointer(0.0)},
			&core.DateField{Name: "sales_start"},
			&core.DateField{Name: "sales_end"},
			&core.BoolField{Name: "active"},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)

		collection.AddIndex("idx_ticket_tiers_event", false, "event", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("ticket_tiers")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
