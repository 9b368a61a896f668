package store

import "fmt"

// Key layout, scoped by the configured prefix. These names are part of the
// operational contract: dashboards and runbooks reference them directly.
//
//	{prefix}:room:{id}:playback            snapshot JSON, TTL room_state_ttl
//	{prefix}:room:{id}:participants        hash handle -> participant JSON
//	{prefix}:room:{id}:online              set of socket ids
//	{prefix}:room:{id}:sequence            integer counter
//	{prefix}:room:{id}:ratelimit:{handle}  integer, TTL 1s
//	{prefix}:room:{id}:chatlimit:{handle}  sorted set of send timestamps
//	{prefix}:room:{id}:voice:participants  hash handle -> voice peer JSON
//	{prefix}:room:{id}:mute:{user}         mute record JSON, TTL = mute duration
//	{prefix}:room:{id}:shadow_muted        set of user ids
//	{prefix}:room:{id}:events              pub/sub channel name, never stored
func (s *Store) keyPlayback(roomID string) string {
	return fmt.Sprintf("%s:room:%s:playback", s.prefix, roomID)
}

func (s *Store) keyParticipants(roomID string) string {
	return fmt.Sprintf("%s:room:%s:participants", s.prefix, roomID)
}

func (s *Store) keyOnline(roomID string) string {
	return fmt.Sprintf("%s:room:%s:online", s.prefix, roomID)
}

func (s *Store) keySequence(roomID string) string {
	return fmt.Sprintf("%s:room:%s:sequence", s.prefix, roomID)
}

func (s *Store) keyRateLimit(roomID, handle string) string {
	return fmt.Sprintf("%s:room:%s:ratelimit:%s", s.prefix, roomID, handle)
}

func (s *Store) keyChatLimit(roomID, handle string) string {
	return fmt.Sprintf("%s:room:%s:chatlimit:%s", s.prefix, roomID, handle)
}

func (s *Store) keyVoicePeers(roomID string) string {
	return fmt.Sprintf("%s:room:%s:voice:participants", s.prefix, roomID)
}

func (s *Store) keyMute(roomID, userID string) string {
	return fmt.Sprintf("%s:room:%s:mute:%s", s.prefix, roomID, userID)
}

func (s *Store) keyShadowMuted(roomID string) string {
	return fmt.Sprintf("%s:room:%s:shadow_muted", s.prefix, roomID)
}

// EventsChannel returns the per-room pub/sub channel name. It shares the key
// namespace but is never written as a key.
func (s *Store) EventsChannel(roomID string) string {
	return fmt.Sprintf("%s:room:%s:events", s.prefix, roomID)
}

func (s *Store) roomPattern(roomID string) string {
	return fmt.Sprintf("%s:room:%s:*", s.prefix, roomID)
}
