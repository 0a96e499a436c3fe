package bus

// Domain topics. Zones appear in their single-token key form
// ("Location/Cluster") so one token always names one zone; subscribers
// use "+" to cover all zones, e.g. Topic{"sensor", "+"}.

// TopicSensor carries types.SensorUpdate envelopes (retained).
func TopicSensor(zoneKey string) Topic { return Topic{"sensor", zoneKey} }

// TopicDevice carries types.DeviceUpdate envelopes (retained).
func TopicDevice(zoneKey, device string) Topic { return Topic{"device", zoneKey, device} }

// TopicMode carries types.ModeUpdate envelopes (retained).
func TopicMode(zoneKey string) Topic { return Topic{"mode", zoneKey} }

// TopicAlarm carries types.AlarmUpdate envelopes (retained).
func TopicAlarm(zoneKey, name string) Topic { return Topic{"alarm", zoneKey, name} }

// TopicConfigReload announces a fresh config snapshot (not retained).
func TopicConfigReload() Topic { return Topic{"config", "reload"} }
