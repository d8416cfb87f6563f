package controlplane

// Project is one isolated database instance in the control plane.
type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	RegionID  string `json:"region_id,omitempty"`
	PGVersion int    `json:"pg_version,omitempty"`
}

// Branch is a copy-on-write line of a project's data.
type Branch struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Primary bool   `json:"primary"`
	Default bool   `json:"default"`
}

// Endpoint is a compute endpoint attached to a branch.
type Endpoint struct {
	ID       string `json:"id"`
	BranchID string `json:"branch_id"`
	Type     string `json:"type"`
	Host     string `json:"host,omitempty"`
}

// EndpointReadWrite is the endpoint type that accepts writes.
const EndpointReadWrite = "read_write"

type listProjectsResponse struct {
	Projects   []Project `json:"projects"`
	Pagination *struct {
		Cursor string `json:"cursor"`
	} `json:"pagination,omitempty"`
}

type createProjectRequest struct {
	Project createProjectSpec `json:"project"`
}

type createProjectSpec struct {
	Name      string `json:"name"`
	PGVersion int    `json:"pg_version,omitempty"`
	RegionID  string `json:"region_id,omitempty"`
}

type projectResponse struct {
	Project Project `json:"project"`
}

type listBranchesResponse struct {
	Branches []Branch `json:"branches"`
}

type listEndpointsResponse struct {
	Endpoints []Endpoint `json:"endpoints"`
}

type connectionURIResponse struct {
	URI string `json:"uri"`
}

// PrimaryBranch picks the project's default branch: the one flagged default
// or primary, else one named "main". Returns false when there is none.
func PrimaryBranch(branches []Branch) (Branch, bool) {
	for _, b := range branches {
		if b.Default || b.Primary {
			return b, true
		}
	}
	for _, b := range branches {
		if b.Name == "main" {
			return b, true
		}
	}
	return Branch{}, false
}

// ReadWriteEndpoint picks the first read_write endpoint.
func ReadWriteEndpoint(endpoints []Endpoint) (Endpoint, bool) {
	for _, e := range endpoints {
		if e.Type == EndpointReadWrite {
			return e, true
		}
	}
	return Endpoint{}, false
}
