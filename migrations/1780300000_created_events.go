package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("events")

		collection.Fields.Add(
			&core.TextField{Name: "title", Required: true, Max: 200},
			&core.TextField{Name: "description"},
			&core.TextField{Name: "venue", Max: 200},
			&core.TextField{Name: "organizer", Required: true},
			&core.SelectField{Name: "status", Required: true, MaxSelect: 1, Values: []string{"draft", "published", "cancelled", "completed"}},
			&core.DateField{Name: "start_time", Required: true},
			&core.DateField{Name: "end_time", Required: true},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)

		collection.AddIndex("idx_events_organizer", false, "organizer", "")
		collection.AddIndex("idx_events_status_start", false, "status, start_time", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("events")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
