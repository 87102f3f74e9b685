package smtpserver

import (
	"fmt"
	"strings"
)

// Extension names an SMTP service extension advertised on EHLO.
type Extension string

const (
	ExtPipelining          Extension = "PIPELINING"
	Ext8BitMIME            Extension = "8BITMIME"
	ExtSMTPUTF8            Extension = "SMTPUTF8"
	ExtEnhancedStatusCodes Extension = "ENHANCEDSTATUSCODES"
	ExtSTARTTLS            Extension = "STARTTLS"
	ExtAuth                Extension = "AUTH"
	ExtSize                Extension = "SIZE"
	ExtDSN                 Extension = "DSN"
	ExtRequireTLS          Extension = "REQUIRETLS"
	ExtXClient             Extension = "XCLIENT"
	ExtXForward            Extension = "XFORWARD"
)

// buildExtensions computes the EHLO feature lines for the current
// connection state, per the feature table in §4.4.
func (s *Server) buildExtensions(sess *Session) []string {
	cfg := s.config
	var lines []string

	if !cfg.HidePIPELINING {
		lines = append(lines, string(ExtPipelining))
	}
	if !cfg.Hide8BITMIME {
		lines = append(lines, string(Ext8BitMIME))
	}
	if !cfg.HideSMTPUTF8 {
		lines = append(lines, string(ExtSMTPUTF8))
	}
	if !cfg.HideEnhancedStatusCodes {
		lines = append(lines, string(ExtEnhancedStatusCodes))
	}

	if len(cfg.AuthMethods) > 0 && sess.Auth.Identity == "" {
		methods := ""
		for i, m := range cfg.AuthMethods {
			if i > 0 {
				methods += " "
			}
			methods += m
		}
		lines = append(lines, string(ExtAuth)+" "+methods)
	}

	if !sess.Secure && !cfg.HideSTARTTLS && !commandDisabled(cfg, "STARTTLS") {
		lines = append(lines, string(ExtSTARTTLS))
	}

	if cfg.Size > 0 {
		if cfg.HideSize {
			lines = append(lines, string(ExtSize))
		} else {
			lines = append(lines, fmt.Sprintf("%s %d", ExtSize, cfg.Size))
		}
	}

	if !cfg.HideDSN {
		lines = append(lines, string(ExtDSN))
	}

	if cfg.RequireTLSAdvertised && !cfg.HideRequireTLS {
		lines = append(lines, string(ExtRequireTLS))
	}

	if cfg.UseXClient && !sess.xclientAddrLocked {
		lines = append(lines, string(ExtXClient)+" ADDR PORT LOGIN NAME PROTO HELO")
	}
	if cfg.UseXForward && !sess.xclientAddrLocked {
		lines = append(lines, string(ExtXForward)+" NAME ADDR PORT PROTO HELO")
	}

	return lines
}

func commandDisabled(cfg *ServerConfig, verb string) bool {
	for _, v := range cfg.DisabledCommands {
		if strings.EqualFold(v, verb) {
			return true
		}
	}
	return false
}
