// Package instrument generates the script composed into every preview
// document. It forwards console output and runtime errors from the sandbox
// to its parent frame as bridge messages.
package instrument

import (
	"strconv"
	"strings"
	"sync"
)

// AnyOrigin is the postMessage target used when the host origin is not known.
const AnyOrigin = "*"

// MessageType is the discriminant every posted message carries.
const MessageType = "console"

var (
	// Cache the default script since it never changes
	cachedScript     string
	cachedScriptOnce sync.Once
)

// BuildInstrumentation returns the instrumentation script body (no <script>
// wrapper) targeting any origin. The result is cached after the first call.
func BuildInstrumentation() string {
	cachedScriptOnce.Do(func() {
		cachedScript = generateScript(AnyOrigin)
	})
	return cachedScript
}

// BuildInstrumentationFor returns the script restricted to a single target
// origin, e.g. "http://localhost:7420". An empty origin means AnyOrigin.
func BuildInstrumentationFor(origin string) string {
	if origin == "" || origin == AnyOrigin {
		return BuildInstrumentation()
	}
	return generateScript(origin)
}

func generateScript(origin string) string {
	// strconv.Quote yields a valid JS string literal for any origin.
	return strings.ReplaceAll(scriptTemplate, "__TARGET_ORIGIN__", strconv.Quote(origin))
}

// The script avoids ES2015+ syntax so it also runs in the headless runtime.
const scriptTemplate = `(function() {
  'use strict';

  var TARGET = __TARGET_ORIGIN__;

  function post(logType, message, stack) {
    var msg = { type: 'console', logType: logType, message: message };
    if (stack) {
      msg.stack = String(stack);
    }
    try {
      parent.postMessage(msg, TARGET);
    } catch (e) {
      // Parent gone or cross-origin mismatch: nothing to report to.
    }
  }

  function serialize(arg) {
    if (typeof arg === 'object' && arg !== null) {
      try {
        var json = JSON.stringify(arg);
        if (json !== undefined) {
          return json;
        }
      } catch (e) {
        // circular or otherwise unserializable
      }
    }
    return String(arg);
  }

  function format(args) {
    var parts = [];
    for (var i = 0; i < args.length; i++) {
      parts.push(serialize(args[i]));
    }
    return parts.join(' ');
  }

  var levels = ['log', 'error', 'warn', 'info'];
  var original = {};

  function wrap(level) {
    original[level] = console[level];
    console[level] = function() {
      post(level, format(arguments));
      if (typeof original[level] === 'function') {
        original[level].apply(console, arguments);
      }
    };
  }

  for (var i = 0; i < levels.length; i++) {
    wrap(levels[i]);
  }

  window.onerror = function(message, source, lineno, colno, error) {
    post('error', String(message) + ' (line ' + lineno + ')', error && error.stack);
    return true;
  };

  window.addEventListener('unhandledrejection', function(event) {
    var reason = event ? event.reason : undefined;
    var text = (reason && reason.message !== undefined) ? String(reason.message) : serialize(reason);
    post('error', 'Unhandled promise rejection: ' + text, reason && reason.stack);
  });
})();
`
