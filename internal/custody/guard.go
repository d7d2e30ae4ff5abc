package custody

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/policy"
)

//go:embed guard.rego
var guardModule string

// Guard — независимая от движка реализация лимитов на Rego. Подпись
// выдается, только если обе реализации согласны.
type Guard struct {
	query rego.PreparedEvalQuery
}

func NewGuard(ctx context.Context) (*Guard, error) {
	q, err := rego.New(
		rego.Query("data.paygate.guard.deny"),
		rego.Module("guard.rego", guardModule),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare custody guard: %w", err)
	}
	return &Guard{query: q}, nil
}

type GuardInput struct {
	Policy       *domain.Policy
	Amount       int64
	Currency     string
	Counterparty string
	At           time.Time
	Approved     bool
	Spent        policy.Spent
}

// Check возвращает отсортированный список нарушенных правил.
func (g *Guard) Check(ctx context.Context, in GuardInput) ([]string, error) {
	if in.Policy == nil {
		return []string{domain.RuleNoActivePolicy}, nil
	}
	input, err := guardInput(in)
	if err != nil {
		return nil, err
	}

	rs, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluate custody guard: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}
	raw, ok := rs[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected guard result %T", rs[0].Expressions[0].Value)
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

// guardInput собирает вход через JSON: Rego видит те же имена полей, что и хранилище.
func guardInput(in GuardInput) (map[string]interface{}, error) {
	at := in.At.UTC()
	// null вместо пустого списка сделал бы правила Rego неопределенными
	pol := *in.Policy
	if pol.Windows == nil {
		pol.Windows = []domain.TimeWindow{}
	}
	if pol.Counterparties == nil {
		pol.Counterparties = []string{}
	}
	doc := map[string]interface{}{
		"policy": pol,
		"tx": map[string]interface{}{
			"amount":       in.Amount,
			"currency":     in.Currency,
			"counterparty": policy.NormalizeCounterparty(in.Counterparty),
			"minute":       at.Hour()*60 + at.Minute(),
			"approved":     in.Approved,
		},
		"spent": in.Spent,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode guard input: %w", err)
	}
	// json.Number сохраняет точность int64 сумм
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out map[string]interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode guard input: %w", err)
	}
	return out, nil
}
