package progress

import "github.com/bamsammich/dsync/internal/event"

// quietPresenter consumes events and produces no output.
type quietPresenter struct{}

func (p *quietPresenter) Run(events <-chan event.Event) error {
	for range events {
	}
	return nil
}

func (p *quietPresenter) Summary() string {
	return ""
}
