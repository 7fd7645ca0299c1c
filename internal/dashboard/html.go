package dashboard

const dashboardHTML = `<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>estated — タスク状況</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body { font-family: 'Inter', -apple-system, system-ui, sans-serif; background: #0f172a; color: #e2e8f0; min-height: 100vh; }
        .header { background: linear-gradient(135deg, #1e293b, #334155); padding: 1.5rem 2rem; border-bottom: 1px solid #475569; display: flex; justify-content: space-between; align-items: center; }
        .header h1 { font-size: 1.5rem; background: linear-gradient(135deg, #38bdf8, #818cf8); background-clip: text; -webkit-background-clip: text; -webkit-text-fill-color: transparent; }
        .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(200px, 1fr)); gap: 1rem; padding: 2rem 2rem 0; }
        .card { background: #1e293b; border: 1px solid #334155; border-radius: 12px; padding: 1.5rem; }
        .card .label { font-size: 0.75rem; text-transform: uppercase; letter-spacing: 0.05em; color: #94a3b8; margin-bottom: 0.5rem; }
        .card .value { font-size: 2rem; font-weight: 700; color: #f1f5f9; }
        .card.accent { border-color: #38bdf8; } .card.accent .value { color: #38bdf8; }
        .card.success { border-color: #4ade80; } .card.success .value { color: #4ade80; }
        .card.error { border-color: #f87171; } .card.error .value { color: #f87171; }
        table { width: calc(100% - 4rem); margin: 2rem; border-collapse: collapse; font-size: 0.875rem; }
        th, td { text-align: left; padding: 0.6rem 0.8rem; border-bottom: 1px solid #334155; }
        th { color: #94a3b8; text-transform: uppercase; font-size: 0.7rem; letter-spacing: 0.05em; }
        .st { padding: 0.15rem 0.6rem; border-radius: 9999px; font-weight: 600; font-size: 0.75rem; }
        .st.running { background: #166534; color: #4ade80; }
        .st.pending { background: #1e3a8a; color: #93c5fd; }
        .st.paused { background: #854d0e; color: #fde047; }
        .st.completed { background: #334155; color: #cbd5e1; }
        .st.failed { background: #991b1b; color: #fca5a5; }
        .st.cancelled { background: #3f3f46; color: #a1a1aa; }
        .footer { text-align: center; padding: 1rem; color: #475569; font-size: 0.75rem; }
    </style>
</head>
<body>
    <div class="header">
        <h1>estated タスク状況</h1>
        <span id="timestamp"></span>
    </div>
    <div class="grid">
        <div class="card accent"><div class="label">実行中</div><div class="value" id="active">0</div></div>
        <div class="card success"><div class="label">完了</div><div class="value" id="completed">0</div></div>
        <div class="card error"><div class="label">失敗</div><div class="value" id="failed">0</div></div>
        <div class="card"><div class="label">物件発見数</div><div class="value" id="properties_found">0</div></div>
        <div class="card success"><div class="label">新規登録</div><div class="value" id="new_listings">0</div></div>
    </div>
    <table>
        <thead><tr><th>Task</th><th>Kind</th><th>Status</th><th>Scrapers</th><th>Areas</th><th>Found</th><th>New</th><th>Errors</th><th>Created</th></tr></thead>
        <tbody id="tasks"></tbody>
    </table>
    <div class="footer">2秒ごとに自動更新</div>
    <script>
        async function refresh() {
            try {
                const r = await fetch('stats');
                const d = await r.json();
                document.getElementById('timestamp').textContent = d.timestamp || '';
                ['active','completed','failed','properties_found','new_listings'].forEach(k => {
                    const el = document.getElementById(k);
                    if (el && d[k] !== undefined) el.textContent = Number(d[k]).toLocaleString();
                });
                const tbody = document.getElementById('tasks');
                tbody.innerHTML = '';
                (d.tasks || []).forEach(t => {
                    const tr = document.createElement('tr');
                    tr.innerHTML = '<td>' + t.task_id + '</td><td>' + t.kind + '</td>' +
                        '<td><span class="st ' + t.status + '">' + t.status + '</span></td>' +
                        '<td>' + t.scrapers + '</td><td>' + t.areas + '</td>' +
                        '<td>' + t.found + '</td><td>' + t.new + '</td><td>' + t.errors + '</td>' +
                        '<td>' + t.created_at + '</td>';
                    tbody.appendChild(tr);
                });
            } catch(e) {}
        }
        setInterval(refresh, 2000);
        refresh();
    </script>
</body>
</html>`
