package codec

import (
	"fmt"

	"github.com/example/sysbus_sim/core"
)

// ValidateAgent checks field ranges and flag consistency of an outbound agent message.
func ValidateAgent(m core.AgentToControllerMessage) error {
	if len(m.Data) > core.LineQuadwords {
		return ErrPayloadTooLarge
	}
	if !m.Command.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownCommand, uint8(m.Command))
	}
	if m.Probe && m.Command != core.CmdProbeResponse {
		return fmt.Errorf("%w: probe response carries command %s", ErrMalformedFlags, m.Command)
	}
	if !m.Probe && (m.M1 || m.M2 || m.CacheHit) {
		return fmt.Errorf("%w: probe status bits without probe response", ErrMalformedFlags)
	}
	if m.M1 && m.CacheHit {
		return fmt.Errorf("%w: m1 and ch both set", ErrMalformedFlags)
	}
	return nil
}

// ValidateController checks field ranges and flag consistency of an inbound
// controller message.
func ValidateController(m core.ControllerToAgentMessage) error {
	if len(m.Data) > core.LineQuadwords {
		return ErrPayloadTooLarge
	}
	if !m.ProbeCmd.Valid() {
		return fmt.Errorf("%w: 0x%02x", ErrUnknownProbe, m.ProbeCmd.Byte())
	}
	if !m.Response.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownResponse, uint8(m.Response))
	}
	if !m.Probe && !m.ProbeCmd.IsNOP() {
		return fmt.Errorf("%w: probe command %s without probe flag", ErrMalformedFlags, m.ProbeCmd)
	}
	if m.Response.CarriesData() && len(m.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrMalformedFlags, m.Response)
	}
	if len(m.Data) > 0 && !m.Response.CarriesData() {
		return fmt.Errorf("%w: data with response %s", ErrMalformedFlags, m.Response)
	}
	if m.Kind() == core.KindInvalid {
		return fmt.Errorf("%w: message carries no intent", ErrMalformedFlags)
	}
	return nil
}
