package manager

import "errors"

var (
	// ErrTenantNotFound indicates the tenant is not registered in the
	// system catalog.
	ErrTenantNotFound = errors.New("manager: tenant not found")

	// ErrTenantInactive indicates the tenant exists but is deactivated.
	ErrTenantInactive = errors.New("manager: tenant inactive")

	// ErrTenantExists indicates a provisioning attempt for a tenant whose
	// database already exists.
	ErrTenantExists = errors.New("manager: tenant already exists")
)
