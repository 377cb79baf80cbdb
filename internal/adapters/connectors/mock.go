package connectors

import (
	"context"
	"fmt"
	"strings"

	"github.com/Bafix001/zibridge/internal/domain"
)

var (
	mockCompanies = []string{"Acme", "Globex", "Initech", "Umbrella", "Hooli", "Stark", "Wayne", "Wonka"}
	mockPeople    = []string{"Alice", "Bob", "Charlie", "Dana", "Eve", "Frank", "Grace", "Heidi"}
	mockStages    = []string{"appointmentscheduled", "qualifiedtobuy", "contractsent", "closedwon", "closedlost"}
)

// MockSource emits a deterministic CRM of n companies, each with one contact,
// one deal and one ticket.
type MockSource struct {
	n int
}

func NewMockSource(n int) *MockSource {
	if n <= 0 {
		n = 3
	}
	return &MockSource{n: n}
}

func (m *MockSource) Name() string { return "mock" }

func (m *MockSource) Fetch(ctx context.Context, emit func(domain.Entity) error) error {
	for i := 0; i < m.n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		company := mockCompanies[i%len(mockCompanies)]
		person := mockPeople[i%len(mockPeople)]
		companyID := fmt.Sprintf("%d", 1000+i)
		contactID := fmt.Sprintf("%d", 2000+i)
		dealID := fmt.Sprintf("%d", 3000+i)
		ticketID := fmt.Sprintf("%d", 4000+i)

		batch := []domain.Entity{
			{Type: domain.EntityCompany, ID: companyID, Fields: domain.Fields{
				"name":   fmt.Sprintf("%s %d", company, i),
				"domain": fmt.Sprintf("%s%d.example.com", strings.ToLower(company), i),
			}},
			{Type: domain.EntityContact, ID: contactID, Fields: domain.Fields{
				"firstname": person,
				"email":     fmt.Sprintf("%s.%d@example.com", strings.ToLower(person), i),
			}, Associations: []domain.AssociationRef{{ToType: domain.EntityCompany, ToID: companyID}}},
			{Type: domain.EntityDeal, ID: dealID, Fields: domain.Fields{
				"dealname":  fmt.Sprintf("%s renewal", company),
				"amount":    fmt.Sprintf("%d.00", (i+1)*1500),
				"dealstage": mockStages[i%len(mockStages)],
			}, Associations: []domain.AssociationRef{
				{ToType: domain.EntityCompany, ToID: companyID},
				{ToType: domain.EntityContact, ToID: contactID},
			}},
			{Type: domain.EntityTicket, ID: ticketID, Fields: domain.Fields{
				"subject":  fmt.Sprintf("Sync issue #%d", i+1),
				"priority": []string{"LOW", "MEDIUM", "HIGH"}[i%3],
			}, Associations: []domain.AssociationRef{{ToType: domain.EntityContact, ToID: contactID}}},
		}
		for _, e := range batch {
			if err := emit(e); err != nil {
				return err
			}
		}
	}
	return nil
}
