package sqlinline

const QSelectAPIKeyByHash = `--sql 27cb2336-6dd3-4327-b505-ad4a597ccf01
select id::text, account_id::text, name, key_hash, is_active
from api_keys
where key_hash = $1::text
limit 1;
`

const QInsertAPIKey = `--sql 3925e249-18f8-4a75-966c-2e4756e624a0
insert into api_keys (id, account_id, name, key_hash, is_active, created_at)
values ($1::uuid, $2::uuid, $3::text, $4::text, $5::boolean, now());
`

const QTouchAPIKey = `--sql dbbaf993-18ac-4498-a7c9-6026bd2990bf
update api_keys
set last_used_at = $2::timestamptz
where id = $1::uuid;
`
