package policy

/*
Компилятор политик: превращает структурированную спецификацию в неизменяемый
объект, пригодный для машинной проверки. Компиляция — чистая функция входа:
одинаковая спецификация дает побайтно одинаковую политику и одинаковый хэш,
что нужно для воспроизводимости аудита.
*/

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-paygate/internal/domain"
)

var (
	currencyRe     = regexp.MustCompile(`^[A-Z]{3}$`)
	counterpartyRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._:@/-]*$`)
)

// Compile проверяет спецификацию и возвращает скомпилированную политику без версии.
// Версию назначает Service при сохранении.
func Compile(spec domain.PolicySpec, principalID string) (domain.Policy, error) {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	walletID := strings.TrimSpace(spec.WalletID)
	if walletID == "" {
		addf("wallet_id is required")
	}
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		addf("principal is required")
	}

	currency := strings.ToUpper(strings.TrimSpace(spec.Currency))
	if !currencyRe.MatchString(currency) {
		addf("currency %q is not an ISO 4217 code", spec.Currency)
	}

	problems = append(problems, checkLimits(spec.Limits, spec.EscalationThreshold)...)

	mode := spec.CounterpartyMode
	if mode == "" {
		mode = domain.CounterpartyAllow
	}
	counterparties, cpProblems := normalizeCounterparties(mode, spec.Counterparties)
	problems = append(problems, cpProblems...)

	windows, wProblems := compileWindows(spec.TimeWindows)
	problems = append(problems, wProblems...)

	conditions := make([]string, 0, len(spec.Conditions))
	for _, c := range spec.Conditions {
		c = strings.TrimSpace(c)
		if _, err := loadOrCompileCondition(c); err != nil {
			addf("condition %q: %v", c, err)
			continue
		}
		conditions = append(conditions, c)
	}

	if len(problems) > 0 {
		return domain.Policy{}, &domain.PolicyValidationError{Problems: problems}
	}

	p := domain.Policy{
		WalletID:            walletID,
		PrincipalID:         principalID,
		Currency:            currency,
		Limits:              spec.Limits,
		CounterpartyMode:    mode,
		Counterparties:      counterparties,
		Windows:             windows,
		EscalationThreshold: spec.EscalationThreshold,
		AllowGradedRisk:     spec.AllowGradedRisk,
		Conditions:          conditions,
		EffectiveFrom:       spec.EffectiveFrom.UTC(),
	}
	p.ContentHash = p.ComputeHash()
	return p, nil
}

func checkLimits(l domain.Limits, escalation int64) []string {
	var problems []string
	if l.PerTransaction <= 0 {
		problems = append(problems, "per_transaction limit must be positive")
	}
	if l.Daily < 0 || l.Monthly < 0 || l.Lifetime < 0 || escalation < 0 {
		problems = append(problems, "limits must not be negative")
	}
	// Каждый более широкий лимит не может быть строже более узкого.
	if l.Daily > 0 && l.PerTransaction > l.Daily {
		problems = append(problems, fmt.Sprintf("per_transaction limit %d exceeds daily limit %d", l.PerTransaction, l.Daily))
	}
	if l.Monthly > 0 && l.Daily > l.Monthly {
		problems = append(problems, fmt.Sprintf("daily limit %d exceeds monthly limit %d", l.Daily, l.Monthly))
	}
	if l.Monthly > 0 && l.PerTransaction > l.Monthly {
		problems = append(problems, fmt.Sprintf("per_transaction limit %d exceeds monthly limit %d", l.PerTransaction, l.Monthly))
	}
	if l.Lifetime > 0 {
		if l.Monthly > l.Lifetime {
			problems = append(problems, fmt.Sprintf("monthly limit %d exceeds lifetime limit %d", l.Monthly, l.Lifetime))
		}
		if l.Daily > l.Lifetime {
			problems = append(problems, fmt.Sprintf("daily limit %d exceeds lifetime limit %d", l.Daily, l.Lifetime))
		}
		if l.PerTransaction > l.Lifetime {
			problems = append(problems, fmt.Sprintf("per_transaction limit %d exceeds lifetime limit %d", l.PerTransaction, l.Lifetime))
		}
	}
	if escalation > 0 && l.PerTransaction > 0 && escalation >= l.PerTransaction {
		problems = append(problems, fmt.Sprintf("escalation threshold %d must be below per_transaction limit %d", escalation, l.PerTransaction))
	}
	return problems
}

func normalizeCounterparties(mode domain.CounterpartyMode, raw []string) ([]string, []string) {
	var problems []string
	if mode != domain.CounterpartyAllow && mode != domain.CounterpartyDeny {
		problems = append(problems, fmt.Sprintf("counterparty_mode %q must be allow or deny", mode))
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for i, c := range raw {
		n := strings.ToLower(strings.TrimSpace(c))
		if n == "" {
			problems = append(problems, fmt.Sprintf("counterparty #%d is empty", i))
			continue
		}
		if !counterpartyRe.MatchString(n) {
			problems = append(problems, fmt.Sprintf("counterparty %q contains invalid characters", c))
			continue
		}
		if _, dup := seen[n]; dup {
			problems = append(problems, fmt.Sprintf("counterparty %q is listed twice", n))
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	if mode == domain.CounterpartyAllow && len(raw) == 0 {
		problems = append(problems, "allow mode requires at least one counterparty")
	}
	sort.Strings(out)
	return out, problems
}

// compileWindows требует строго возрастающих непересекающихся окон.
func compileWindows(specs []domain.TimeWindowSpec) ([]domain.TimeWindow, []string) {
	var problems []string
	out := make([]domain.TimeWindow, 0, len(specs))
	prevEnd := -1
	for i, w := range specs {
		start, err1 := parseClock(w.Start)
		end, err2 := parseClock(w.End)
		if err1 != nil || err2 != nil {
			problems = append(problems, fmt.Sprintf("time window #%d has malformed bounds %q-%q", i, w.Start, w.End))
			continue
		}
		if start >= end {
			problems = append(problems, fmt.Sprintf("time window #%d is not monotonic: %s >= %s", i, w.Start, w.End))
			continue
		}
		if start < prevEnd {
			problems = append(problems, fmt.Sprintf("time window #%d overlaps or precedes the previous window", i))
			continue
		}
		prevEnd = end
		out = append(out, domain.TimeWindow{StartMinute: start, EndMinute: end})
	}
	return out, problems
}

// parseClock разбирает "HH:MM"; "24:00" допустим как конец суток.
func parseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "24:00" {
		return 24 * 60, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
