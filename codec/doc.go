// Package codec owns the byte-exact wire records exchanged between agents and the
// system controller.
//
// Both directions use a fixed 80-byte big-endian record:
//
//	[0]     tag (0xA2 agent->controller, 0xC2 controller->agent)
//	[1]     command (A2C system command, C2A probe command)
//	[2]     A2C flags (probe, m1, m2, ch, rv) / C2A SysDc
//	[3]     A2C mask / C2A flags (probe, rvb, rpb, a, c)
//	[4]     correlation id
//	[5]     wrap
//	[6]     payload quadword count (0..8)
//	[7]     A2C reserved / C2A reserved
//	[8:16]  physical address
//	[16:80] eight payload quadwords, zero padded
package codec
