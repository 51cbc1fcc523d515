package inbox

import (
	"sync"
	"time"
)

// quotas counts accepted posts per sending domain and account for the
// current UTC day. A limit of zero disables that check.
type quotas struct {
	domainMax  int
	accountMax int

	mu       sync.Mutex
	day      string
	domains  map[string]int
	accounts map[string]int
}

func newQuotas(domainMax, accountMax int) *quotas {
	return &quotas{
		domainMax:  domainMax,
		accountMax: accountMax,
		domains:    make(map[string]int),
		accounts:   make(map[string]int),
	}
}

func (q *quotas) rollover(now time.Time) {
	day := now.UTC().Format(time.DateOnly)
	if day != q.day {
		q.day = day
		clear(q.domains)
		clear(q.accounts)
	}
}

// exceeded reports whether one more post from actor at domain would go
// over a limit.
func (q *quotas) exceeded(now time.Time, domain, actor string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover(now)
	if q.domainMax > 0 && q.domains[domain] >= q.domainMax {
		return true
	}
	return q.accountMax > 0 && q.accounts[actor] >= q.accountMax
}

func (q *quotas) record(now time.Time, domain, actor string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover(now)
	q.domains[domain]++
	q.accounts[actor]++
}
