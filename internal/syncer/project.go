package syncer

import "context"

// Project is the typed form of the Project kind.
type Project struct {
	ID               string       `json:"id,omitempty"`
	Name             string       `json:"name,omitempty"`
	HomeownerName    string       `json:"homeownerName,omitempty"`
	HomeownerPhone   string       `json:"homeownerPhone,omitempty"`
	HomeownerEmail   string       `json:"homeownerEmail,omitempty"`
	HomeownerAddress string       `json:"homeownerAddress,omitempty"`
	CreatedAt        string       `json:"createdAt,omitempty"`
	Data             *ProjectData `json:"data,omitempty"`
}

// ProjectData is the survey sub-resource of a Project.
type ProjectData struct {
	SquareFootage          float64  `json:"squareFootage,omitempty"`
	RoomCount              int      `json:"roomCount,omitempty"`
	BathroomCount          int      `json:"bathroomCount,omitempty"`
	Stories                int      `json:"stories,omitempty"`
	YearBuilt              int      `json:"yearBuilt,omitempty"`
	BasementType           string   `json:"basementType,omitempty"`
	ComfortIssueTags       []string `json:"comfortIssueTags,omitempty"`
	ComfortIssueNotes      string   `json:"comfortIssueNotes,omitempty"`
	HealthSafetyIssueTags  []string `json:"healthSafetyIssueTags,omitempty"`
	HealthSafetyIssueNotes string   `json:"healthSafetyIssueNotes,omitempty"`
	HomeownerGoalsTags     []string `json:"homeownerGoalsTags,omitempty"`
	HomeownerGoalsNotes    string   `json:"homeownerGoalsNotes,omitempty"`
}

// ProjectRoom is the typed form of the ProjectRoom kind.
type ProjectRoom struct {
	ID               string   `json:"id,omitempty"`
	Name             string   `json:"name,omitempty"`
	Type             string   `json:"type,omitempty"`
	Width            float64  `json:"width,omitempty"`
	Length           float64  `json:"length,omitempty"`
	CeilingHeight    float64  `json:"ceilingHeight,omitempty"`
	Floor            string   `json:"floor,omitempty"`
	Usage            string   `json:"usage,omitempty"`
	ComfortIssueTags []string `json:"comfortIssueTags,omitempty"`
	SafetyIssueTags  []string `json:"safetyIssueTags,omitempty"`
	Notes            string   `json:"notes,omitempty"`
	ProjectID        string   `json:"projectId,omitempty"`
	CreatedAt        string   `json:"createdAt,omitempty"`
	UpdatedAt        string   `json:"updatedAt,omitempty"`
}

// ProjectFacade is the typed Project facade.
type ProjectFacade struct {
	*Typed[Project]
}

// NewProjectFacade wraps a facade bound to the Project kind.
func NewProjectFacade(f *Facade) *ProjectFacade {
	return &ProjectFacade{Typed: NewTyped[Project](f)}
}

// UpdateData replaces a project's data through POST <resource><id>/data.
func (p *ProjectFacade) UpdateData(ctx context.Context, projectID string, data ProjectData) (ProjectData, error) {
	if err := p.Facade().UpdateSub(ctx, projectID, "data", data); err != nil {
		return ProjectData{}, err
	}
	return data, nil
}
