package service

import (
	"strings"

	"edge-admission/internal/domain"
)

// RouteBudgetTable mapeia prefixos de rota para quotas mais restritas.
// A primeira entrada cujo prefixo casa com o path vence, na ordem declarada.
// TODO: avaliar longest-prefix-match; hoje "/api/" declarado antes de "/api/auth/login" esconde a rota de login.
type RouteBudgetTable struct {
	routes []domain.RouteBudget
}

// NewRouteBudgetTable cria a tabela preservando a ordem recebida
func NewRouteBudgetTable(routes []domain.RouteBudget) *RouteBudgetTable {
	table := &RouteBudgetTable{routes: make([]domain.RouteBudget, 0, len(routes))}
	for _, route := range routes {
		if route.PathPrefix == "" || route.MaxRequests <= 0 || route.Window <= 0 {
			continue
		}
		table.routes = append(table.routes, route)
	}
	return table
}

// Match retorna a quota da primeira rota cujo prefixo casa com o path
func (t *RouteBudgetTable) Match(path string) (domain.RouteBudget, bool) {
	if t == nil {
		return domain.RouteBudget{}, false
	}
	for _, route := range t.routes {
		if strings.HasPrefix(path, route.PathPrefix) {
			return route, true
		}
	}
	return domain.RouteBudget{}, false
}

// Routes retorna uma cópia das rotas na ordem de avaliação
func (t *RouteBudgetTable) Routes() []domain.RouteBudget {
	routes := make([]domain.RouteBudget, len(t.routes))
	copy(routes, t.routes)
	return routes
}
