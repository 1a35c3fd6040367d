package codemode

// sanitizePrelude is the JavaScript prelude injected ahead of every user
// script. It provides __sanitize, the deterministic serializer for script
// return values, and a console that collects output lines instead of
// printing them.
//
// __sanitize maps every non-JSON value to a printable, round-trip-safe
// placeholder: circular references become "[Circular: <path>]", functions
// "[Function: <name>]", BigInts "[BigInt: n]", Symbols "[Symbol: ...]",
// Dates "[Date: <iso>]", RegExps "[RegExp: /.../]", Errors and Set/Map
// become tagged objects, typed arrays report their constructor and length,
// and undefined becomes "[undefined]".
const sanitizePrelude = `
function __sanitize(value, seen, path) {
  seen = seen || [];
  path = path || "$";
  if (value === undefined) return "[undefined]";
  if (value === null) return null;
  var t = typeof value;
  if (t === "bigint") return "[BigInt: " + value.toString() + "]";
  if (t === "symbol") return "[Symbol: " + value.toString() + "]";
  if (t === "function") return "[Function: " + (value.name || "anonymous") + "]";
  if (t !== "object") return value;
  for (var i = 0; i < seen.length; i++) {
    if (seen[i].value === value) return "[Circular: " + seen[i].path + "]";
  }
  if (value instanceof Date) return "[Date: " + value.toISOString() + "]";
  if (value instanceof RegExp) return "[RegExp: " + value.toString() + "]";
  if (value instanceof Error) {
    return { __type: "Error", name: value.name, message: value.message, stack: value.stack || "" };
  }
  seen = seen.concat([{ value: value, path: path }]);
  if (value instanceof Set) {
    var vals = [];
    var i = 0;
    value.forEach(function (v) { vals.push(__sanitize(v, seen, path + ".values[" + (i++) + "]")); });
    return { __type: "Set", values: vals };
  }
  if (value instanceof Map) {
    var entries = [];
    var j = 0;
    value.forEach(function (v, k) {
      entries.push([
        __sanitize(k, seen, path + ".entries[" + j + "][0]"),
        __sanitize(v, seen, path + ".entries[" + j + "][1]"),
      ]);
      j++;
    });
    return { __type: "Map", entries: entries };
  }
  if (ArrayBuffer.isView(value)) {
    var n = value.length !== undefined ? value.length : value.byteLength;
    return "[" + value.constructor.name + ": length " + n + "]";
  }
  if (Array.isArray(value)) {
    return value.map(function (v, i) { return __sanitize(v, seen, path + "[" + i + "]"); });
  }
  var out = {};
  var keys = Object.keys(value);
  for (var k = 0; k < keys.length; k++) {
    out[keys[k]] = __sanitize(value[keys[k]], seen, path + "." + keys[k]);
  }
  return out;
}

var __consoleLines = [];
function __consoleFmt(args) {
  var parts = [];
  for (var i = 0; i < args.length; i++) {
    var a = args[i];
    if (typeof a === "string") {
      parts.push(a);
    } else {
      try { parts.push(JSON.stringify(__sanitize(a))); } catch (e) { parts.push(String(a)); }
    }
  }
  return parts.join(" ");
}
var console = {};
["log", "info", "warn", "debug", "error"].forEach(function (level) {
  console[level] = function () {
    __consoleLines.push("[" + level + "] " + __consoleFmt(arguments));
  };
});
`
