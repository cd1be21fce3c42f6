package plan

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/helixml/appbuilder/api/pkg/config"
)

const (
	TestPlanCookie = "TEST_USER_PLAN"

	Pro  = "pro"
	Free = "free"
)

// Gate decides whether an owner gets real generation. Plan data is opaque
// here, the gate only answers yes or no.
type Gate struct {
	cfg config.Plans
	pro map[string]struct{}
}

func NewGate(cfg config.Plans) *Gate {
	pro := make(map[string]struct{}, len(cfg.ProUserIDs))
	for _, id := range cfg.ProUserIDs {
		id = strings.TrimSpace(id)
		if id != "" {
			pro[id] = struct{}{}
		}
	}
	return &Gate{cfg: cfg, pro: pro}
}

func (g *Gate) IsEntitled(ctx context.Context, r *http.Request, ownerID string) bool {
	if g.cfg.AllowTestOverride && r != nil {
		if cookie, err := r.Cookie(TestPlanCookie); err == nil {
			switch cookie.Value {
			case Pro:
				log.Ctx(ctx).Debug().Str("owner_id", ownerID).Msg("plan overridden to pro by test cookie")
				return true
			case Free:
				return false
			}
		}
	}

	if ownerID == "" {
		return false
	}
	_, ok := g.pro[ownerID]
	return ok
}
