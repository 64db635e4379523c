package server

// defaultPage 内置聊天页面，静态目录缺失时兜底
var defaultPage = []byte(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>clarky</title>
<style>
body { font-family: sans-serif; max-width: 720px; margin: 2rem auto; }
#log { border: 1px solid #ccc; min-height: 320px; padding: 1rem; white-space: pre-wrap; }
#input { width: 80%; }
</style>
</head>
<body>
<h1>clarky</h1>
<div id="log"></div>
<input id="input" placeholder="Say something..." autofocus>
<button id="send">Send</button>
<script>
const log = document.getElementById('log');
const input = document.getElementById('input');
const ws = new WebSocket('ws://' + location.host + '/');
let current = null;
ws.onmessage = (ev) => {
  const msg = JSON.parse(ev.data);
  if (msg.type === 'stream') {
    if (!current) { current = document.createElement('div'); log.appendChild(current); }
    current.textContent += msg.content;
  } else if (msg.type === 'complete') {
    current = null;
  } else if (msg.type === 'error') {
    const div = document.createElement('div');
    div.style.color = 'red';
    div.textContent = msg.message;
    log.appendChild(div);
  }
};
function send() {
  if (!input.value) return;
  const div = document.createElement('div');
  div.textContent = '> ' + input.value;
  log.appendChild(div);
  ws.send(JSON.stringify({type: 'chat', message: input.value}));
  input.value = '';
}
document.getElementById('send').onclick = send;
input.addEventListener('keydown', (ev) => { if (ev.key === 'Enter') send(); });
</script>
</body>
</html>
`)
