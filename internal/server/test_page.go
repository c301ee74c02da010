package server

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// TestPageHandler serves an HTML page for exercising the floor presence
// protocol from a browser: join a floor, relay messages, switch floors and
// watch the user count and user list update.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		s.logger.Warn("Error writing HTML response", zap.Error(err))
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>floorsync test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 160px; padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>floorsync test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="userName" placeholder="Name" value="guest">
        <input type="text" id="floorCode" placeholder="Floor" value="lobby">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div style="margin-top: 10px">
        <input type="text" id="messageInput" placeholder="Message..." disabled>
        <button onclick="sendMessage()">Send</button>
        <button onclick="send({action: 'refreshUserCount', floorCode: floor()})">Count</button>
        <button onclick="send({action: 'refreshUserList', floorCode: floor()})">Users</button>
        <input type="text" id="newFloor" placeholder="New floor">
        <button onclick="switchFloor()">Switch</button>
    </div>
    <div>Users on floor: <span id="userCount">-</span></div>

    <div id="log"></div>

    <script>
        let ws = null;
        const logDiv = document.getElementById('log');
        const statusDiv = document.getElementById('status');
        const messageInput = document.getElementById('messageInput');
        const connectButton = document.getElementById('connectButton');

        function floor() { return document.getElementById('floorCode').value.trim(); }

        function addLine(text, color) {
            const line = document.createElement('div');
            line.style.margin = '5px 0';
            line.style.color = color || 'gray';
            line.textContent = text;
            logDiv.appendChild(line);
            logDiv.scrollTop = logDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const params = new URLSearchParams({
                userName: document.getElementById('userName').value.trim(),
                floorCode: floor()
            });
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws?' + params.toString());

            ws.onopen = function() {
                addLine('Joined floor ' + floor());
                updateStatus(true);
                send({action: 'refreshUserCount', floorCode: floor()});
            };
            ws.onmessage = function(event) {
                const data = JSON.parse(event.data);
                if (data.userCount !== undefined) {
                    document.getElementById('userCount').textContent = data.userCount;
                } else if (data.type === 'users') {
                    addLine('Users: ' + Object.values(data.otherUsers).map(u => u.userName).join(', '), 'purple');
                } else if (data.type === 'leaveFloor') {
                    addLine('Left floor ' + data.oldFloorCode);
                } else if (data.error) {
                    addLine('Error: ' + data.error, 'red');
                } else {
                    addLine(data.sender + ': ' + JSON.stringify(data.payload), 'green');
                }
            };
            ws.onclose = function() {
                addLine('Connection closed');
                updateStatus(false);
                ws = null;
            };
            ws.onerror = function() {
                addLine('Connection error', 'red');
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function send(frame) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify(frame));
            }
        }

        function sendMessage() {
            const text = messageInput.value.trim();
            if (!text) {
                return;
            }
            send({action: 'sendMessage', floorCode: floor(), payload: {text: text}});
            addLine('You: ' + text, 'blue');
            messageInput.value = '';
        }

        function switchFloor() {
            const next = document.getElementById('newFloor').value.trim();
            if (!next) {
                return;
            }
            send({action: 'switchFloor', newFloor: next});
            document.getElementById('floorCode').value = next;
            send({action: 'refreshUserCount', floorCode: next});
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
