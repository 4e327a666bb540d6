package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// minGenericLength is the length under which an unpersonalised text looks like bulk spam.
const minGenericLength = 50

// Content is a message about to be sent.
type Content struct {
	TenantID   int64
	TemplateID int64  // 0 for free-form text
	Source     string // as authored, placeholders intact
	Rendered   string // as delivered; Source when empty
}

type ContentVerdict struct {
	Valid  bool
	Reason string
}

func rejected(reason string) ContentVerdict { return ContentVerdict{Reason: reason} }

// ValidateContent applies the tenant's content policy.
func (l *Limiter) ValidateContent(ctx context.Context, c Content) (ContentVerdict, error) {
	p, err := l.Policy(ctx, c.TenantID)
	if err != nil {
		return ContentVerdict{}, err
	}
	rendered := c.Rendered
	if rendered == "" {
		rendered = c.Source
	}

	if p.TemplateOnly && c.TemplateID == 0 {
		return rejected("template required by tenant policy"), nil
	}

	if p.EnablePersonalizationCheck && !strings.Contains(c.Source, "{{") && utf8.RuneCountInString(c.Source) < minGenericLength {
		return rejected("message is too short and not personalized"), nil
	}

	if p.MaxIdenticalMessages > 0 && l.content != nil {
		n, err := l.content.CountIdenticalSince(ctx, c.TenantID, rendered, l.now().Add(-24*time.Hour))
		if err != nil {
			return ContentVerdict{}, fmt.Errorf("count identical messages: %w", err)
		}
		if n > p.MaxIdenticalMessages {
			return rejected(fmt.Sprintf("identical message sent %d times in 24h (max %d)", n, p.MaxIdenticalMessages)), nil
		}
	}

	return ContentVerdict{Valid: true}, nil
}
