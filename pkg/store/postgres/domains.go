package postgres

import (
	"context"
	"fmt"
)

// DomainLoader reads enabled origin domains for the allowlist.
type DomainLoader struct {
	db querier
}

func NewDomainLoader(db querier) *DomainLoader {
	return &DomainLoader{db: db}
}

const selectDomainsSQL = `SELECT domain FROM allowed_domains WHERE enabled ORDER BY domain`

func (l *DomainLoader) LoadDomains(ctx context.Context) ([]string, error) {
	rows, err := l.db.Query(ctx, selectDomainsSQL)
	if err != nil {
		return nil, fmt.Errorf("select allowed domains: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan allowed domain: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select allowed domains: %w", err)
	}
	return out, nil
}
