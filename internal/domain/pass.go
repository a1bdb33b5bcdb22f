package domain

// Estados de pase relevantes para la baja de cuentas.
const (
	PassStatusPending   = "PENDING"
	PassStatusCancelled = "CANCELLED"
)
