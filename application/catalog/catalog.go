// Package catalog holds the provisioning workflows this deployment ships
// with. Definitions are data, not behavior: each one is an ordered list of
// executor action names with their compensating actions.
package catalog

import (
	"provisioner/domain/saga"
)

// Register adds every built-in definition to the registry. Hosts embedding
// the engine can register their own definitions alongside these.
func Register(registry *saga.Registry) error {
	for _, build := range []func() (*saga.Definition, error){
		keyPairIssue,
		certificateIssue,
		messagingAccountProvision,
	} {
		def, err := build()
		if err != nil {
			return err
		}
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// keyPairIssue generates and distributes an asymmetric key pair.
func keyPairIssue() (*saga.Definition, error) {
	return saga.NewDefinition("keypair.issue", []saga.StepDefinition{
		{
			Name:             "GenerateKeyPair",
			CompensationName: "RevokeKeyPair",
		},
		{
			Name:             "RegisterPublicKey",
			CompensationName: "DeregisterPublicKey",
			Idempotent:       true,
		},
		{
			// Distribution re-sends the same material, so replays are safe.
			Name:       "DistributeKeyPair",
			Idempotent: true,
		},
	})
}

// certificateIssue requests, issues and installs a certificate against an
// external CA.
func certificateIssue() (*saga.Definition, error) {
	return saga.NewDefinition("certificate.issue", []saga.StepDefinition{
		{
			Name:             "GenerateKeyPair",
			CompensationName: "RevokeKeyPair",
		},
		{
			Name:             "SubmitCertificateRequest",
			CompensationName: "WithdrawCertificateRequest",
		},
		{
			Name:             "InstallCertificate",
			CompensationName: "RemoveCertificate",
			Idempotent:       true,
		},
	})
}

// messagingAccountProvision creates a messaging account and grants access.
func messagingAccountProvision() (*saga.Definition, error) {
	return saga.NewDefinition("messaging.account.provision", []saga.StepDefinition{
		{
			Name:             "CreateAccount",
			CompensationName: "DeleteAccount",
		},
		{
			Name:             "ConfigureMailbox",
			CompensationName: "ResetMailbox",
			Idempotent:       true,
		},
		{
			Name:             "GrantAccess",
			CompensationName: "RevokeAccess",
			Idempotent:       true,
		},
	})
}
