package llm

import (
	"context"
	"unicode/utf8"

	"github.com/Jackela/impetus/internal/intervention"
)

// DebugProvider is a deterministic in-process provider for development
// and tests. It never touches the network. Muse always provokes; loki
// alternates provoke/delete on context length parity so behavior is
// predictable in tests.
type DebugProvider struct{}

// NewDebugProvider creates the debug provider.
func NewDebugProvider() *DebugProvider { return &DebugProvider{} }

// Name implements Provider.
func (p *DebugProvider) Name() string { return "debug" }

// GenerateIntervention implements Provider.
func (p *DebugProvider) GenerateIntervention(_ context.Context, req *intervention.Request) (*intervention.Response, error) {
	runes := utf8.RuneCountInString(req.Context)

	if req.Mode == intervention.ModeLoki && runes%2 == 1 && runes >= 10 {
		return &intervention.Response{
			Action: intervention.ActionDelete,
			Anchor: intervention.Anchor{
				Type: intervention.AnchorRange,
				From: req.ClientMeta.SelectionFrom,
				To:   req.ClientMeta.SelectionFrom + min(runes, 10),
			},
			Source: intervention.ModeLoki,
		}, nil
	}

	prefix := "> [AI施压 - Muse]: "
	if req.Mode == intervention.ModeLoki {
		prefix = "> [AI施压 - Loki]: "
	}
	return &intervention.Response{
		Action:  intervention.ActionProvoke,
		Content: prefix + "为什么停在这里？门后的人也在等你。",
		Anchor: intervention.Anchor{
			Type: intervention.AnchorPos,
			From: req.ClientMeta.SelectionFrom,
		},
		Source: req.Mode,
	}, nil
}
