// Package smtpserver implements an embeddable SMTP and LMTP server.
//
// It handles the wire protocol — connection state, extension negotiation,
// SASL authentication, STARTTLS, and the MAIL/RCPT/DATA transaction
// lifecycle — and hands every policy decision to the Callbacks supplied in
// ServerConfig. The package does not queue, deliver, or route mail, does
// not stamp headers, and does not implement TLS or DNS resolution itself;
// those are host responsibilities reached through well-defined collaborator
// interfaces.
package smtpserver
