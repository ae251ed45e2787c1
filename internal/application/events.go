package application

import "github.com/apascualco/edgeway/internal/domain"

type noopSink struct{}

func (noopSink) Emit(domain.Event) {}
