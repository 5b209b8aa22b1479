package progress

import (
	"context"
	"fmt"
	"time"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting an event and flushing via Close.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, sink)

	hub.Emit(Event{
		TaskID: "0195f4b2-0000-7000-8000-000000000001",
		TS:     time.Unix(0, 0),
		Stage:  StageTaskStart,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("events forwarded: %d\n", sink.total)
	// Output:
	// events forwarded: 1
}

// ExampleSinkFunc totals rows saved across progress events.
func ExampleSinkFunc() {
	var rows int
	capture := SinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Stage == StageTaskProgress {
				rows += evt.RowsSaved
			}
		}
		return nil
	})
	hub := NewHub(Config{
		BufferSize:     2,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, capture)

	hub.Emit(Event{
		TaskID:     "0195f4b2-0000-7000-8000-000000000002",
		TS:         time.Unix(0, 0),
		Stage:      StageTaskProgress,
		CatalogID:  "312",
		Page:       1,
		TotalPages: 3,
		RowsSaved:  200,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("rows saved: %d\n", rows)
	// Output:
	// rows saved: 200
}
