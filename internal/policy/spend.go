package policy

import "time"

// Add учитывает трату, совершенную в chargedAt, в окнах лимитов момента at:
// UTC-сутки, UTC-месяц и за все время.
func (s *Spent) Add(amount int64, chargedAt, at time.Time) {
	c, a := chargedAt.UTC(), at.UTC()
	s.Lifetime += amount
	if c.Year() == a.Year() && c.Month() == a.Month() {
		s.Month += amount
		if c.Day() == a.Day() {
			s.Day += amount
		}
	}
}
