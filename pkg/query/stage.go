package query

// Container enumerates the result container kinds a datasource can serve.
type Container string

const (
	// ContainerDataset is a labeled multidimensional array.
	ContainerDataset Container = "dataset"

	// ContainerGeoDataFrame is tabular data with a geometry column.
	ContainerGeoDataFrame Container = "geodataframe"

	// ContainerDataFrame is plain tabular data.
	ContainerDataFrame Container = "dataframe"
)

// Valid reports whether c is a known container kind.
func (c Container) Valid() bool {
	switch c {
	case ContainerDataset, ContainerGeoDataFrame, ContainerDataFrame:
		return true
	}
	return false
}

// Stage is the service-computed description of what a Query would return,
// produced without transferring the data. It exists only for the duration of
// one query resolution.
type Stage struct {
	// Query echoes the staged query.
	Query Query `json:"query"`

	// QHash is the content hash of the canonical query serialization,
	// used as the remote resource key for lazy access.
	QHash string `json:"qhash"`

	// Formats lists the transfer formats available for download.
	Formats []string `json:"formats"`

	// Size is the estimated result size in bytes.
	Size int64 `json:"size"`

	// DLen is the element or row count of the result domain.
	DLen int64 `json:"dlen"`

	// Coords maps coordinate names to their role in the result.
	Coords map[string]string `json:"coords"`

	// Container is the result container kind.
	Container Container `json:"container"`
}
