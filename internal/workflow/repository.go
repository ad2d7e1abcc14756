// Package workflow drives the phase state machine over workflows and their
// ticket trees, owning every other execution-plane component.
package workflow

import (
	"path"
	"sort"
	"time"

	"github.com/bosun-dev/bosun/internal/state"
	"github.com/bosun-dev/bosun/internal/workflow/models"
)

// Repository persists workflows and tickets through the state store. The
// engine is the only writer; reads are safe from any goroutine.
type Repository struct {
	store *state.Store
}

// NewRepository creates a repository over the state store.
func NewRepository(store *state.Store) *Repository {
	return &Repository{store: store}
}

func workflowPath(id string) string {
	return path.Join(state.DirWorkflows, id+".json")
}

func ticketPath(id string) string {
	return path.Join(state.DirTickets, id+".json")
}

// SaveWorkflow writes a workflow document, stamping UpdatedAt.
func (r *Repository) SaveWorkflow(wf *models.Workflow) error {
	wf.UpdatedAt = time.Now().UTC()
	return r.store.SaveJSON(workflowPath(wf.WorkflowID), wf)
}

// GetWorkflow loads one workflow.
func (r *Repository) GetWorkflow(id string) (*models.Workflow, error) {
	var wf models.Workflow
	if err := r.store.LoadJSON(workflowPath(id), &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ListWorkflows returns every persisted workflow, newest first.
func (r *Repository) ListWorkflows() ([]*models.Workflow, error) {
	ids, err := r.store.List(state.DirWorkflows)
	if err != nil {
		return nil, err
	}
	workflows := make([]*models.Workflow, 0, len(ids))
	for _, id := range ids {
		wf, err := r.GetWorkflow(id)
		if err != nil {
			continue
		}
		workflows = append(workflows, wf)
	}
	sort.Slice(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.After(workflows[j].CreatedAt)
	})
	return workflows, nil
}

// SaveTicket writes a ticket document, stamping UpdatedAt.
func (r *Repository) SaveTicket(t *models.Ticket) error {
	t.UpdatedAt = time.Now().UTC()
	return r.store.SaveJSON(ticketPath(t.ID), t)
}

// GetTicket loads one ticket.
func (r *Repository) GetTicket(id string) (*models.Ticket, error) {
	var t models.Ticket
	if err := r.store.LoadJSON(ticketPath(id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTicketStatus is the serialized read-modify-write for one ticket.
func (r *Repository) UpdateTicketStatus(id string, status models.TicketStatus) error {
	t, err := r.GetTicket(id)
	if err != nil {
		return err
	}
	t.Status = status
	return r.SaveTicket(t)
}

// ChildTickets loads the child layer of a workflow.
func (r *Repository) ChildTickets(wf *models.Workflow) ([]*models.Ticket, error) {
	children := make([]*models.Ticket, 0, len(wf.ChildTickets))
	for _, id := range wf.ChildTickets {
		t, err := r.GetTicket(id)
		if err != nil {
			return nil, err
		}
		children = append(children, t)
	}
	return children, nil
}

// Grandchildren loads the leaves of one child ticket.
func (r *Repository) Grandchildren(child *models.Ticket) ([]*models.Ticket, error) {
	leaves := make([]*models.Ticket, 0, len(child.Children))
	for _, id := range child.Children {
		t, err := r.GetTicket(id)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, t)
	}
	return leaves, nil
}

// AllTickets loads the full tree for a workflow, children before leaves.
func (r *Repository) AllTickets(wf *models.Workflow) ([]*models.Ticket, error) {
	children, err := r.ChildTickets(wf)
	if err != nil {
		return nil, err
	}
	all := make([]*models.Ticket, 0, len(children)*3)
	for _, child := range children {
		all = append(all, child)
		leaves, err := r.Grandchildren(child)
		if err != nil {
			return nil, err
		}
		all = append(all, leaves...)
	}
	return all, nil
}
