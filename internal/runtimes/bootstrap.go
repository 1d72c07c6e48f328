package runtimes

// Bootstrap scripts for the interpreted runtime families. Each bootstrap:
// 1. Reads AWS_LAMBDA_RUNTIME_API and the instance id from the environment
// 2. Long-polls GET /2018-06-01/runtime/invocation/next
// 3. Imports the user's handler from /var/task per the _HANDLER variable
// 4. POSTs the result to .../invocation/{rid}/response, errors to
//    .../invocation/{rid}/error, then polls again

const bootstrapNode = `'use strict';
const http = require('http');
const path = require('path');

const api = process.env.AWS_LAMBDA_RUNTIME_API;
const fnName = process.env.AWS_LAMBDA_FUNCTION_NAME;
const instanceId = process.env.VESTA_INSTANCE_ID || '';
const [host, port] = api.split(':');

const [moduleName, handlerName] = (process.env._HANDLER || 'index.handler').split('.');
const mod = require(path.join('/var/task', moduleName));
const handler = mod[handlerName];
if (typeof handler !== 'function') {
  console.error('handler ' + process.env._HANDLER + ' is not a function');
  process.exit(1);
}

function request(method, p, body, headers) {
  return new Promise((resolve, reject) => {
    const req = http.request({ host, port, method, path: p, headers }, (res) => {
      let data = '';
      res.on('data', (c) => (data += c));
      res.on('end', () => resolve({ status: res.statusCode, headers: res.headers, body: data }));
    });
    req.on('error', reject);
    if (body) req.write(body);
    req.end();
  });
}

function buildContext(rid, headers) {
  const deadline = parseInt(headers['lambda-runtime-deadline-ms'] || '0', 10);
  return {
    awsRequestId: rid,
    functionName: fnName,
    functionVersion: process.env.AWS_LAMBDA_FUNCTION_VERSION || '$LATEST',
    invokedFunctionArn: headers['lambda-runtime-invoked-function-arn'] || '',
    memoryLimitInMB: process.env.AWS_LAMBDA_FUNCTION_MEMORY_SIZE || '128',
    getRemainingTimeInMillis: () => Math.max(0, deadline - Date.now()),
  };
}

async function loop() {
  for (;;) {
    let next;
    try {
      next = await request('GET', '/2018-06-01/runtime/invocation/next?fn=' + encodeURIComponent(fnName), null, {
        'X-LambdaH-Instance-Id': instanceId,
      });
    } catch (err) {
      await new Promise((r) => setTimeout(r, 100));
      continue;
    }
    if (next.status !== 200) continue;

    const rid = next.headers['lambda-runtime-aws-request-id'];
    const ctx = buildContext(rid, next.headers);
    let event = {};
    try { event = next.body ? JSON.parse(next.body) : {}; } catch (_) { event = next.body; }

    try {
      const result = await Promise.resolve(handler(event, ctx));
      await request('POST', '/2018-06-01/runtime/invocation/' + rid + '/response',
        JSON.stringify(result === undefined ? null : result),
        { 'Content-Type': 'application/json', 'X-LambdaH-Instance-Id': instanceId });
    } catch (err) {
      const payload = JSON.stringify({
        errorMessage: err && err.message ? err.message : String(err),
        errorType: err && err.name ? err.name : 'Error',
        stackTrace: err && err.stack ? err.stack.split('\n') : [],
      });
      await request('POST', '/2018-06-01/runtime/invocation/' + rid + '/error', payload,
        { 'Content-Type': 'application/json', 'X-LambdaH-Instance-Id': instanceId });
    }
  }
}

loop();
`

const bootstrapPython = `import json
import os
import sys
import time
import traceback
import urllib.request
import urllib.error

API = os.environ["AWS_LAMBDA_RUNTIME_API"]
FN_NAME = os.environ.get("AWS_LAMBDA_FUNCTION_NAME", "")
INSTANCE_ID = os.environ.get("VESTA_INSTANCE_ID", "")
BASE = "http://" + API + "/2018-06-01/runtime/invocation"

sys.path.insert(0, "/var/task")
module_name, handler_name = (os.environ.get("_HANDLER", "index.handler")).rsplit(".", 1)
handler = getattr(__import__(module_name), handler_name)


def _request(method, url, data=None, headers=None):
    req = urllib.request.Request(url, data=data, method=method)
    req.add_header("X-LambdaH-Instance-Id", INSTANCE_ID)
    for k, v in (headers or {}).items():
        req.add_header(k, v)
    return urllib.request.urlopen(req, timeout=None)


def _build_context(rid, headers):
    deadline_ms = int(headers.get("Lambda-Runtime-Deadline-Ms", "0"))
    return {
        "aws_request_id": rid,
        "function_name": FN_NAME,
        "function_version": os.environ.get("AWS_LAMBDA_FUNCTION_VERSION", "$LATEST"),
        "invoked_function_arn": headers.get("Lambda-Runtime-Invoked-Function-Arn", ""),
        "memory_limit_in_mb": os.environ.get("AWS_LAMBDA_FUNCTION_MEMORY_SIZE", "128"),
        "deadline_ms": deadline_ms,
    }


while True:
    try:
        resp = _request("GET", BASE + "/next?fn=" + urllib.request.quote(FN_NAME))
    except (urllib.error.URLError, OSError):
        time.sleep(0.1)
        continue

    rid = resp.headers.get("Lambda-Runtime-Aws-Request-Id")
    body = resp.read()
    try:
        event = json.loads(body) if body else {}
    except ValueError:
        event = body.decode("utf-8", "replace")

    ctx = _build_context(rid, resp.headers)
    try:
        result = handler(event, ctx)
        payload = json.dumps(result).encode()
        _request("POST", BASE + "/" + rid + "/response", payload,
                 {"Content-Type": "application/json"})
    except Exception as exc:  # noqa: BLE001 - every handler error is reported
        payload = json.dumps({
            "errorMessage": str(exc),
            "errorType": type(exc).__name__,
            "stackTrace": traceback.format_exc().split("\n"),
        }).encode()
        _request("POST", BASE + "/" + rid + "/error", payload,
                 {"Content-Type": "application/json"})
`

// Bootstrap returns the bootstrap source for a runtime family.
func Bootstrap(family string) (filename, content string) {
	switch family {
	case "python":
		return "bootstrap.py", bootstrapPython
	default:
		return "bootstrap.js", bootstrapNode
	}
}
