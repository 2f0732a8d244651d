package rediscope

// loggerAdapter bridges the key/value logging interfaces of the conn
// and tunnel packages onto the public Logger.
type loggerAdapter struct {
	logger Logger
}

func (a *loggerAdapter) Debug(msg string, fields ...interface{}) {
	a.logger.Debug(msg, toFields(fields)...)
}

func (a *loggerAdapter) Info(msg string, fields ...interface{}) {
	a.logger.Info(msg, toFields(fields)...)
}

func (a *loggerAdapter) Error(msg string, fields ...interface{}) {
	a.logger.Error(msg, toFields(fields)...)
}

// toFields pairs up a flat key/value list. An odd trailing element
// becomes a key with a nil value rather than being dropped.
func toFields(kv []interface{}) []Field {
	fields := make([]Field, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		key, _ := kv[i].(string)
		var value interface{}
		if i+1 < len(kv) {
			value = kv[i+1]
		}
		fields = append(fields, Field{Key: key, Value: value})
	}
	return fields
}
