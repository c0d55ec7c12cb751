package models

// SSHConfig holds the connection settings for remote persistence control.
type SSHConfig struct {
	Host       string `validate:"required"`
	Port       int    `validate:"gt=0,lte=65535"`
	Username   string
	PrivateKey []byte // loaded from file path
	KeyPath    string // path to key file
}

// SSHResult holds the result of an SSH operation.
type SSHResult struct {
	CommandRun bool
	Output     string
	Error      error
}
