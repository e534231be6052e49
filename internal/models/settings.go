package models

// Settings is the application settings document served by the settings collaborator.
// Only the maintenance flag is consumed client side.
type Settings struct {
	IsMaintenanceMode bool `json:"isMaintenanceMode"`
}
